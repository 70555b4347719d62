package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/loykin/procmux"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

func printStatusTable(w io.Writer, sts []procmux.Status) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tPID\tPROCESSOR\tOUTCOME\tEXIT\tDURATION\tERROR")
	for _, st := range sts {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%d\t%s\t%s\n",
			st.Name, st.PID, st.Processor, st.Outcome, st.ExitCode,
			st.Duration().Round(time.Millisecond), st.Error)
	}
	_ = tw.Flush()
}

// syncWriter serializes writes from processors delivering output concurrently.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
