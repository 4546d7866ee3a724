// Copyright 2020 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package hidtransport

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// hidrawNodes returns the hidraw nodes that exist under
// <path>/hidraw. Because the hidraw directory takes some time to be
// created we poll for it.
func hidrawNodes(ctx context.Context, devicePath string) ([]string, error) {
	const hidrawDir = "hidraw"

	deadline := time.Now().Add(10 * time.Second)
	for {
		entries, err := os.ReadDir(devicePath)
		found := false
		if err == nil {
			for _, e := range entries {
				if e.Name() == hidrawDir {
					found = true
					break
				}
			}
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("hidtransport: hidraw directory was not created under %s in time", devicePath)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	devicePath = path.Join(devicePath, hidrawDir)
	files, err := os.ReadDir(devicePath)
	if err != nil {
		return nil, err
	}
	return hidrawPaths(files), nil
}

// deviceID returns the unique ID belonging to the device represented by the
// directory in path, e.g. the "0018" in ".../0003:046D:C31C.0018".
func deviceID(p string) (int, error) {
	id, err := strconv.ParseInt(filepath.Ext(p)[1:], 16, 0)
	if err != nil {
		return -1, fmt.Errorf("hidtransport: %s is not a sysfs device path", p)
	}
	return int(id), nil
}

// hidrawPaths returns the /dev/ paths of the hidraw entries in entries.
func hidrawPaths(entries []os.DirEntry) []string {
	var paths []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "hidraw") {
			paths = append(paths, "/dev/"+e.Name())
		}
	}
	return paths
}

// devicePath returns the sysfs path for the device identified by
// infoString ("<bus>:<vendor>:<product>"), preferring the most recently
// created device when several share the same identity.
func devicePath(infoString string) (string, error) {
	const devicesDirectory = "/sys/bus/hid/devices/"

	entries, err := os.ReadDir(devicesDirectory)
	if err != nil {
		return "", err
	}
	best := ""
	bestID := -1
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), infoString) {
			continue
		}
		id, err := deviceID(e.Name())
		if err != nil {
			return "", err
		}
		if id > bestID {
			bestID = id
			best = e.Name()
		}
	}
	if best == "" {
		return "", fmt.Errorf("hidtransport: device %s hasn't been created", infoString)
	}
	return path.Join(devicesDirectory, best), nil
}
