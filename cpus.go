package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"core_governor/internal/topology"
	"core_governor/internal/windowsapi"
)

var (
	performance = color.New(color.FgGreen, color.Bold)
	efficiency  = color.New(color.FgYellow)
	parked      = color.New(color.FgRed)
)

// printCPUs writes the topology table used to pick prime cores. On hybrid
// parts the fastest efficiency class is highlighted.
func printCPUs(w io.Writer, api windowsapi.SystemAPI) error {
	topo, err := topology.Discover(api)
	if err != nil {
		return err
	}
	return renderCPUs(w, topo)
}

func renderCPUs(w io.Writer, topo *topology.Topology) error {
	cpus := topo.CPUs()
	var lo, hi uint8 = 255, 0
	for _, c := range cpus {
		lo = min(lo, c.EfficiencyClass)
		hi = max(hi, c.EfficiencyClass)
	}

	table := tablewriter.NewWriter(w)
	table.Header("Index", "CPU Set ID", "Group", "Number", "Core", "Efficiency Class", "State")
	for _, c := range cpus {
		class := strconv.Itoa(int(c.EfficiencyClass))
		if hi > lo {
			if c.EfficiencyClass == hi {
				class = performance.Sprint(class + " (P)")
			} else {
				class = efficiency.Sprint(class + " (E)")
			}
		}
		state := "online"
		if c.Parked {
			state = parked.Sprint("parked")
		}
		err := table.Append(
			strconv.Itoa(c.Index),
			fmt.Sprintf("0x%X", c.ID),
			strconv.Itoa(int(c.Group)),
			strconv.Itoa(int(c.LogicalIndex)),
			strconv.Itoa(int(c.CoreIndex)),
			class,
			state,
		)
		if err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d logical processors\n", len(cpus))
	return err
}
