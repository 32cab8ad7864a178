//go:build !linux && !darwin

package nostr

func lockMemory(b []byte) error   { return nil }
func unlockMemory(b []byte) error { return nil }
