package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"

	"cpetscm/internal/catalog"
	"cpetscm/internal/database"
)

var (
	runCommand = app.Command("run", "Evaluate one device against its rule catalog.")
	runDevice  = runCommand.Arg("device", "Device id to evaluate.").Required().String()
	runCheck   = runCommand.Flag("check", "Only evaluate this check key.").String()
	runJSON    = runCommand.Flag("json", "Print the full run report as JSON.").Bool()

	rulesCommand = app.Command("rules", "Show the rules a device would be evaluated against.")
	rulesDevice  = rulesCommand.Arg("device", "Device id.").Required().String()
	rulesCheck   = rulesCommand.Flag("check", "Only show this check key.").String()
)

func doRun() {
	if !runOnce() {
		os.Exit(1)
	}
}

// runOnce reports whether the device was compliant. Services are closed
// before returning so queued digests get delivered.
func runOnce() bool {
	cfg := loadConfig()
	ctx := context.Background()

	svc, err := newServices(ctx, cfg)
	kingpin.FatalIfError(err, "Unable to initialize services")
	defer svc.Close()

	kingpin.FatalIfError(svc.engine.SyncCatalog(ctx), "Unable to sync catalog")

	report, err := svc.engine.RunComplianceCheck(ctx, *runDevice, *runCheck)
	kingpin.FatalIfError(err, "Compliance run failed")

	if *runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		kingpin.FatalIfError(enc.Encode(report), "Unable to encode report")
		return report.IsCompliant
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "DEVICE\t%s\n", report.DeviceID)
	fmt.Fprintf(w, "SERVICE\t%s\n", report.BusinessService)
	fmt.Fprintf(w, "SNAPSHOTS\t%d (%d failed)\n", report.Snapshots, len(report.SnapshotErrors))
	fmt.Fprintf(w, "DURATION\t%s\n", report.Duration)
	fmt.Fprintf(w, "COMPLIANT\t%t\n", report.IsCompliant)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "DOCUMENT\tCHECK\tCOMPLIANT\tNOTE")
	for _, d := range report.Daily {
		fmt.Fprintf(w, "%s\t-\t%t\t%s\n", d.ID, d.IsCompliant, d.Reason)
	}
	for _, d := range report.Details {
		note := d.Deviation
		if d.Error != "" {
			note = d.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", d.ID, d.CheckKey, d.IsCompliant, note)
	}
	for _, se := range report.SnapshotErrors {
		fmt.Fprintf(w, "%s\t-\tfalse\t%s\n", se.Snapshot, se.Error)
	}
	w.Flush()

	return report.IsCompliant
}

func doRules() {
	cfg := loadConfig()
	ctx := context.Background()

	store, err := database.NewBoltStore(cfg.Database.Path)
	kingpin.FatalIfError(err, "Unable to open database")
	defer store.Close()

	device, err := store.GetDevice(ctx, *rulesDevice)
	kingpin.FatalIfError(err, "Unable to load device")

	rules, err := catalog.NewAccessor(store).SelectRules(ctx, device.Vendor, device.BusinessService, device.DeviceModel, *rulesCheck)
	kingpin.FatalIfError(err, "Unable to select rules")

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tMODEL\tREPLACES\tUPDATED")
	for _, r := range rules {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Key, r.DeviceModel, r.ReplacesParentCheck, humanize.Time(r.UpdatedAt))
	}
	w.Flush()
}

func init() {
	commandHandlers = append(commandHandlers, func(command string) bool {
		switch command {
		case runCommand.FullCommand():
			doRun()
		case rulesCommand.FullCommand():
			doRules()
		default:
			return false
		}
		return true
	})
}
