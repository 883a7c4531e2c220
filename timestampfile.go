package main

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// writeTimestampFile atomically overwrites path with t's wall-clock seconds,
// the single piece of cross-restart persisted state this core keeps (§6
// "Persisted state"). It is used by external watchdogs to detect a stuck
// server: the file only changes when the notified jobId changes, so a
// server silently stuck on one job is detectable without parsing logs.
//
// The write-to-temp-then-rename pattern avoids a reader ever observing a
// partially written value.
func writeTimestampFile(path string, t time.Time) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_, werr := tmp.WriteString(strconv.FormatInt(t.Unix(), 10))
	cerr := tmp.Close()
	if werr != nil {
		os.Remove(tmpPath)
		return werr
	}
	if cerr != nil {
		os.Remove(tmpPath)
		return cerr
	}
	return os.Rename(tmpPath, path)
}

func readTimestampFile(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	secs, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}
