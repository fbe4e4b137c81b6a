package importer

import (
	"errors"
	"io/fs"
	"os"
	"sync"
)

// Artifact is a temporary resource tied to one import, such as the stored upload
type Artifact interface {
	Release() error
}

// TempFile is an uploaded file removed when the import finishes
type TempFile string

func (f TempFile) Release() error {
	if f == "" {
		return nil
	}
	if err := os.Remove(string(f)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// onceArtifact lets several exit paths release the same artifact safely
type onceArtifact struct {
	once     sync.Once
	artifact Artifact
	err      error
}

func releaseOnce(a Artifact) *onceArtifact {
	if o, ok := a.(*onceArtifact); ok {
		return o
	}
	return &onceArtifact{artifact: a}
}

func (o *onceArtifact) Release() error {
	o.once.Do(func() {
		if o.artifact != nil {
			o.err = o.artifact.Release()
		}
	})
	return o.err
}
