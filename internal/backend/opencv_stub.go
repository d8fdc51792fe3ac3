//go:build !opencv

package backend

import "errors"

// NewOpenCV reports that this binary was built without OpenCV support.
// Build with -tags opencv to enable it.
func NewOpenCV(seed uint64) (Backend, error) {
	return nil, errors.New("backend: built without opencv support")
}
