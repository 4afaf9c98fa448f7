//go:build !linux

package worker

func processRSSBytes() (uint64, bool) { return 0, false }
