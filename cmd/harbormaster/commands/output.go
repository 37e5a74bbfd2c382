package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/openfroyo/harbormaster/pkg/reconcile"
	"github.com/openfroyo/harbormaster/pkg/task"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRecord(w io.Writer, rec *task.Record) error {
	if jsonOutput {
		return printJSON(w, rec)
	}
	fmt.Fprintf(w, "Task:      %s\n", rec.Link)
	fmt.Fprintf(w, "Kind:      %s\n", rec.Kind)
	fmt.Fprintf(w, "Stage:     %s/%s\n", rec.Stage, rec.SubStage)
	fmt.Fprintf(w, "Context:   %s\n", rec.ContextID)
	if rec.Failure != nil {
		fmt.Fprintf(w, "Failure:   %s (%s)\n", rec.Failure.Message, rec.Failure.Code)
	}
	if len(rec.Payload) > 0 {
		fmt.Fprintf(w, "Payload:   %s\n", rec.Payload)
	}
	return nil
}

func printRequestStatus(w io.Writer, st *task.RequestStatus) error {
	if jsonOutput {
		return printJSON(w, st)
	}
	fmt.Fprintf(w, "Request:   %s\n", st.Link)
	fmt.Fprintf(w, "Task:      %s\n", st.TaskLink)
	fmt.Fprintf(w, "Phase:     %s\n", st.Phase)
	fmt.Fprintf(w, "Stage:     %s/%s\n", st.Stage, st.SubStage)
	fmt.Fprintf(w, "Progress:  %d%%\n", st.Progress)
	if len(st.ResourceLinks) > 0 {
		fmt.Fprintf(w, "Resources: %s\n", strings.Join(st.ResourceLinks, ", "))
	}
	if st.Failure != nil {
		fmt.Fprintf(w, "Failure:   %s (%s)\n", st.Failure.Message, st.Failure.Code)
	}
	return nil
}

func printReport(w io.Writer, report *reconcile.PassReport) error {
	if jsonOutput {
		return printJSON(w, report)
	}
	fmt.Fprintf(w, "Pass %s: %d descriptor(s), %d group(s), %d redeployment(s) in %s\n",
		report.Trigger, report.Descriptors, len(report.Groups), report.Redeploys, report.Duration)
	for _, g := range report.Groups {
		fmt.Fprintf(w, "  %s [%s] %s", g.DescriptionLink, g.ContextID, g.Action)
		if g.TaskLink != "" {
			fmt.Fprintf(w, " -> %s", g.TaskLink)
		}
		fmt.Fprintln(w)
		for _, d := range g.Diffs {
			fmt.Fprintf(w, "    %s %s: %q != %q\n", d.InstanceLink, d.Field, d.Actual, d.Desired)
		}
		for _, r := range g.Reasons {
			fmt.Fprintf(w, "    denied: %s\n", r)
		}
		if g.Error != "" {
			fmt.Fprintf(w, "    error: %s\n", g.Error)
		}
	}
	return nil
}
