package transport

import (
	"fmt"

	"github.com/zde37/corduroy/pkg"
)

// ConnError is the typed failure of one outbound call or inbound connection.
type ConnError struct {
	Op   string // dial, deadline, write, read, listen, accept, close
	Addr string
	Err  error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, pkg.ErrConnection) match every ConnError.
func (e *ConnError) Is(target error) bool {
	return target == pkg.ErrConnection
}
