package prime

import (
	"bytes"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"core_governor/internal/priority"
)

// Report is the post-mortem ranking of a monitored process's busiest
// threads. It has no effect on scheduling.
type Report struct {
	PID         uint32
	Name        string
	ThreadsSeen uint64
	Threads     []ThreadHistory
}

// Render writes the ranking as a table.
func (r Report) Render(w io.Writer) error {
	table := tablewriter.NewWriter(w)
	table.Header("Rank", "TID", "Cycles", "Context Switches", "Start Module", "State", "Priority")
	for i, th := range r.Threads {
		err := table.Append(
			strconv.Itoa(i+1),
			strconv.FormatUint(uint64(th.TID), 10),
			strconv.FormatUint(th.Cycles, 10),
			strconv.FormatUint(uint64(th.Last.ContextSwitches), 10),
			th.Module,
			th.Last.State.String(),
			priorityLabel(th.Last.Priority, th.Last.BasePriority, th.ProcessBase),
		)
		if err != nil {
			return err
		}
	}
	return table.Render()
}

// String renders the table, ignoring write errors.
func (r Report) String() string {
	var buf bytes.Buffer
	_ = r.Render(&buf)
	return buf.String()
}

// priorityLabel shows the current and base kernel priority, and names the
// thread level when the base sits within two steps of the process base.
// current minus base is the dynamic boost, not the level.
func priorityLabel(current, base, processBase int32) string {
	label := strconv.Itoa(int(current)) + "/" + strconv.Itoa(int(base))
	if processBase == 0 {
		return label
	}
	if rel := base - processBase; rel >= -2 && rel <= 2 {
		label += " (" + priority.ThreadFromOS(rel).String() + ")"
	}
	return label
}
