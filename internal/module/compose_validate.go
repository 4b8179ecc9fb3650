// SPDX-License-Identifier: Apache-2.0
package module

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
)

// validateComposeServices statically parses the target's compose file far
// enough to confirm every proxy entry names a real service. This has no
// side effects on disk and does not resolve environment or bind mounts.
func validateComposeServices(moduleDir, composeRelPath string, proxy []ProxyEntry) error {
	composePath := filepath.Join(moduleDir, composeRelPath)
	data, err := os.ReadFile(composePath)
	if err != nil {
		return fmt.Errorf("%s: %w", composePath, err)
	}

	details := types.ConfigDetails{
		WorkingDir: moduleDir,
		ConfigFiles: []types.ConfigFile{
			{Filename: composePath, Content: data},
		},
		Environment: map[string]string{},
	}

	project, err := loader.LoadWithContext(context.Background(), details, func(o *loader.Options) {
		o.SkipValidation = true
		o.SkipNormalization = true
		o.SkipResolveEnvironment = true
		o.SkipConsistencyCheck = true
		o.ResolvePaths = false
	})
	if err != nil {
		return fmt.Errorf("%s: %w", composePath, err)
	}

	for _, p := range proxy {
		if _, ok := project.Services[p.Service]; !ok {
			return fmt.Errorf("%s: proxy entry references service %q, not defined in compose file", composePath, p.Service)
		}
	}
	return nil
}
