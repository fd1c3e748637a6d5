// +build windows

package download

// freeSpace is not implemented here; -1 means unknown.
func freeSpace(dir string) (int64, error) {
	return -1, nil
}
