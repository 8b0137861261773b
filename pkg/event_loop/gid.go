package eventloop

import (
	"github.com/petermattis/goid"
)

// id of the calling goroutine, the loop remembers the one it was created on
func getGid() int64 {
	return goid.Get()
}
