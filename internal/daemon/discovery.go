package daemon

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// discoverFiles returns the sorted, deduplicated absolute paths of regular
// files matching any of the glob patterns.
func discoverFiles(patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	var result []string

	for _, pattern := range patterns {
		if !filepath.IsAbs(pattern) {
			abs, err := filepath.Abs(pattern)
			if err != nil {
				return nil, err
			}
			pattern = abs
		}

		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, err
		}

		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			if _, ok := seen[m]; !ok {
				seen[m] = struct{}{}
				result = append(result, m)
			}
		}
	}

	sort.Strings(result)
	return result, nil
}

// extractLabels derives log properties from a kubelet pod log path of the
// form /var/log/pods/<namespace>_<pod>_<uid>/<container>/<n>.log.
func extractLabels(nodeName, filePath string) map[string]string {
	labels := map[string]string{
		"file": filepath.Base(filePath),
	}
	if nodeName != "" {
		labels["node"] = nodeName
	}

	parts := strings.Split(filePath, "/")
	if len(parts) >= 5 {
		podParts := strings.Split(parts[4], "_")
		if len(podParts) >= 3 {
			labels["namespace"] = podParts[0]
			labels["pod"] = podParts[1]
			labels["pod_uid"] = podParts[2]
		}

		if len(parts) >= 6 {
			labels["container"] = parts[5]
		}
	}

	return labels
}
