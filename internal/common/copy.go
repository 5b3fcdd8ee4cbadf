/*
Copyright (c) 2009 The Go Authors. All rights reserved.

Redistribution and use in source and binary forms, with or without
modification, are permitted provided that the following conditions are
met:

   * Redistributions of source code must retain the above copyright
notice, this list of conditions and the following disclaimer.
   * Redistributions in binary form must reproduce the above
copyright notice, this list of conditions and the following disclaimer
in the documentation and/or other materials provided with the
distribution.
   * Neither the name of Google Inc. nor the names of its
contributors may be used to endorse or promote products derived from
this software without specific prior written permission.

THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS
"AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT
LIMITED TO, THE IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR
A PARTICULAR PURPOSE ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT
OWNER OR CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT
LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR SERVICES; LOSS OF USE,
DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER CAUSED AND ON ANY
THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT
(INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.
*/
/*
Forked from https://golang.org/src/io/io.go
*/
package common

import (
	"io"
	"net"
	"time"
)

type closeWriter interface {
	CloseWrite() error
}

// Copy moves data from src to dst until src reaches EOF or either fails. On EOF dst's write half is closed if it
// supports half-closing, so that the peer behind dst sees the end of the data while the other direction carries
// on. If srcReadTimeout is not zero, src is given up on after that long without data.
func Copy(dst net.Conn, src net.Conn, srcReadTimeout time.Duration) (written int64, err error) {
	size := 32 * 1024
	buf := make([]byte, size)
	for {
		if srcReadTimeout != 0 {
			err = src.SetReadDeadline(time.Now().Add(srcReadTimeout))
			if err != nil {
				break
			}
		}
		nr, er := src.Read(buf)
		if nr > 0 {
			var offset int
			for offset < nr {
				nw, ew := dst.Write(buf[offset:nr])
				if nw > 0 {
					written += int64(nw)
				}
				if ew != nil {
					err = ew
					break
				}
				offset += nw
			}
			if err != nil {
				break
			}
		}
		if er != nil {
			if er != io.EOF {
				err = er
			}
			break
		}
	}
	if err == nil {
		if cw, ok := dst.(closeWriter); ok {
			if cw.CloseWrite() == nil {
				return written, nil
			}
		}
	}
	// either something failed or dst can't be half closed
	src.Close()
	dst.Close()
	return written, err
}

// Pipe copies between a and b in both directions and returns when both directions are done, with both
// connections closed. The first error encountered, if any, is returned.
func Pipe(a net.Conn, b net.Conn, idleTimeout time.Duration) (aToB int64, bToA int64, err error) {
	errCh := make(chan error, 1)
	go func() {
		var e error
		bToA, e = Copy(a, b, idleTimeout)
		errCh <- e
	}()
	aToB, err = Copy(b, a, idleTimeout)
	if e := <-errCh; err == nil {
		err = e
	}
	a.Close()
	b.Close()
	return aToB, bToA, err
}
