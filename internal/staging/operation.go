package staging

import "sync"

// workDir is one reservation handed out by stagingArea.Acquire.
type workDir struct {
	area *stagingArea
	path string
	size int64
	once sync.Once
	err  error
}

func (w *workDir) Path() string { return w.path }

// Release removes the directory and returns its reservation. Only the first
// call does any work; later calls report the first call's result.
func (w *workDir) Release() error {
	w.once.Do(func() {
		w.err = w.area.release(w)
	})
	return w.err
}
