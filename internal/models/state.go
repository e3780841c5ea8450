package models

import "time"

// RunMetadata records the outcome of the most recent backup run.
type RunMetadata struct {
	Time    time.Time
	Success bool
}

// ScanResult holds the marker files found by a scan.
type ScanResult struct {
	Time    time.Time
	Include []string // paths of backup markers, in scan order
	Exclude []string // paths of nobackup markers, in scan order
}

// Files returns include and exclude markers as one list.
func (r *ScanResult) Files() []string {
	files := make([]string, 0, len(r.Include)+len(r.Exclude))
	files = append(files, r.Include...)
	return append(files, r.Exclude...)
}
