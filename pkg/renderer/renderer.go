// Package renderer declares the contract of the native OpenGL renderer
// library. The library is consumed through six C-ABI symbols resolved
// once from the loader shared object; all calls must come from the
// single thread that owns the surface.
package renderer

import (
	"fmt"
	"unsafe"
)

// Symbol names exported by the loader library.
const (
	SymStartOpenGLRenderer    = "startOpenGLRenderer"
	SymResetSubWindow         = "resetSubWindow"
	SymSetNativeWindow        = "setNativeWindow"
	SymRepaintOpenGLDisplay   = "repaintOpenGLDisplay"
	SymRemoveSubWindow        = "removeSubWindow"
	SymDestroyOpenGLSubwindow = "destroyOpenGLSubwindow"
)

// Bridge is the renderer surface owned by the embedding application.
// The daemon only declares this contract; resolving and driving the
// symbols happens in the process that owns the native window.
type Bridge interface {
	StartOpenGLRenderer(window unsafe.Pointer, width, height, xdpi, ydpi, fps int32)
	ResetSubWindow(window unsafe.Pointer, x, y, width, height, fbWidth, fbHeight int32, scale, rotation float32)
	SetNativeWindow(window unsafe.Pointer)
	RepaintOpenGLDisplay()
	RemoveSubWindow(window unsafe.Pointer)
	DestroyOpenGLSubwindow()
}

// Load would resolve the bridge from the loader library at path. The
// standalone server never owns a surface, so this build does not link
// against the library.
func Load(path string) (Bridge, error) {
	return nil, fmt.Errorf("renderer bridge not available in the standalone server (library %s)", path)
}
