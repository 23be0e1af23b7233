//go:build !linux && !darwin && !windows

package media

func listMounts() []Mount { return nil }

func deviceForMount(string) (string, string) { return "", "" }
