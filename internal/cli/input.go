package cli

import (
	"bufio"
	"io"
)

// readLines scans in line by line until it is exhausted or stop is closed.
// On stop, in is closed when it is an io.Closer so a pending read returns.
// The returned channel is closed once the reader exits.
func readLines(stop <-chan struct{}, in io.Reader) <-chan string {
	lines := make(chan string)
	exited := make(chan struct{})
	go func() {
		defer close(lines)
		defer close(exited)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-stop:
				return
			}
		}
	}()
	go func() {
		select {
		case <-stop:
			if c, ok := in.(io.Closer); ok {
				_ = c.Close()
			}
		case <-exited:
		}
	}()
	return lines
}
