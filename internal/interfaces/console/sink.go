package console

import (
	"fmt"
	"io"
	"sync"
	"time"

	"trailsim/internal/application/port"
)

// Sink 命令回显与状态板共用一个输出，写入串行化
type Sink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewSink(w io.Writer) *Sink { return &Sink{w: w} }

func (s *Sink) WriteLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintln(s.w, line)
	return err
}

// 状态板前后各留一个空行，和命令回显分开
func (s *Sink) WriteSnapshot(ts time.Time, lines []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintf(s.w, "\n%s\n", ts.Format("2006-01-02 15:04:05")); err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(s.w, line); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(s.w, "\n")
	return err
}

var _ port.Sink = (*Sink)(nil)
