// SPDX-License-Identifier: Apache-2.0
//go:build linux

package diag

import "syscall"

// diskStatus reports free/total space on the filesystem backing path,
// the same syscall-level probe the platform's own df wrapper performs.
func diskStatus(path string) DiskStatus {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return DiskStatus{Path: path, Error: err.Error()}
	}
	blockSize := uint64(stat.Bsize)
	return DiskStatus{
		Path:       path,
		TotalBytes: stat.Blocks * blockSize,
		FreeBytes:  stat.Bavail * blockSize,
	}
}
