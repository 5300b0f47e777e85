package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-scheduler/internal/jobstore"
	"github.com/ChuLiYu/beaver-scheduler/pkg/trigger"
	"github.com/ChuLiYu/beaver-scheduler/pkg/types"
)

const timeLayout = time.RFC3339

func (a *app) buildJobsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Administer jobs in the configured store",
	}
	cmd.AddCommand(
		a.buildJobsListCommand(),
		a.buildJobsShowCommand(),
		a.buildJobsCreateCommand(),
		a.buildJobsUpdateCommand(),
		a.buildJobsDeleteCommand(),
	)
	return cmd
}

// withStore opens the configured store for one administrative call.
func (a *app) withStore(cmd *cobra.Command, fn func(ctx context.Context, store jobstore.JobStore) error) error {
	cfg, _, err := a.loadConfig()
	if err != nil {
		return err
	}
	log, _ := newLogger(cmd, cfg)
	if !cfg.Store.Persistent() {
		log.Warn().Msg("store.kind is memory; changes are lost when this command exits")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, _, err := openStore(ctx, cfg.Store, log, nil)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}

func (a *app) buildJobsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs with their state and next fire time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, store jobstore.JobStore) error {
				names, err := store.ListJobNames(ctx)
				if err != nil {
					return err
				}
				jobs := make([]*types.JobDetails, 0, len(names))
				for _, name := range names {
					d, err := store.GetJobDetails(ctx, name)
					if err != nil {
						return err
					}
					if d != nil {
						jobs = append(jobs, d)
					}
				}
				return printJobTable(cmd.OutOrStdout(), jobs)
			})
		},
	}
}

func printJobTable(out io.Writer, jobs []*types.JobDetails) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKEY\tSTATE\tNEXT FIRE\tLAST RESULT")
	for _, d := range jobs {
		next := "-"
		if d.NextTriggerFireTime != nil {
			next = d.NextTriggerFireTime.Format(timeLayout)
		}
		last := "-"
		if e := d.LastJobExecutionDetails; e != nil {
			last = e.StatusMessage
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Name(), d.JobSpec.JobKey, d.JobState, next, last)
	}
	return tw.Flush()
}

func (a *app) buildJobsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Print the stored record of a job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, store jobstore.JobStore) error {
				d, err := store.GetJobDetails(ctx, args[0])
				if err != nil {
					return err
				}
				if d == nil {
					return fmt.Errorf("job %q not found", args[0])
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(d)
			})
		},
	}
}

func (a *app) buildJobsCreateCommand() *cobra.Command {
	var (
		sf       specFlags
		conflict string
	)
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a job",
		Example: `  beaver-scheduler jobs create nightly --key http --data url=https://example.com/ping --cron "0 3 * * *"
  beaver-scheduler jobs create once --key log --data message=hello --at 2030-01-01T09:00:00Z
  beaver-scheduler jobs create tick --key log --every 30s --count 10
  beaver-scheduler jobs create imported --file job.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := types.ParseConflictAction(conflict)
			if err != nil {
				return err
			}
			spec, err := sf.build(cmd, args, time.Now())
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(ctx context.Context, store jobstore.JobStore) error {
				created, err := store.CreateJob(ctx, spec, time.Now(), action)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(cmd.OutOrStdout(), "created job %q\n", spec.Name)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "job %q already exists; left unchanged\n", spec.Name)
				}
				return nil
			})
		},
	}
	sf.register(cmd)
	cmd.Flags().StringVar(&conflict, "conflict", types.ConflictThrow.String(), "when the job exists: ignore, update, replace or throw")
	return cmd
}

func (a *app) buildJobsUpdateCommand() *cobra.Command {
	var (
		sf     specFlags
		rename string
	)
	cmd := &cobra.Command{
		Use:   "update NAME",
		Short: "Replace the definition of a job, keeping its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			newName := args[0]
			if rename != "" {
				newName = rename
			}
			spec, err := sf.build(cmd, []string{newName}, time.Now())
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(ctx context.Context, store jobstore.JobStore) error {
				if err := store.UpdateJob(ctx, args[0], spec); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "updated job %q\n", spec.Name)
				return nil
			})
		},
	}
	sf.register(cmd)
	cmd.Flags().StringVar(&rename, "rename", "", "new name for the job")
	return cmd
}

func (a *app) buildJobsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(ctx context.Context, store jobstore.JobStore) error {
				deleted, err := store.DeleteJob(ctx, args[0])
				if err != nil {
					return err
				}
				if !deleted {
					return fmt.Errorf("job %q not found", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted job %q\n", args[0])
				return nil
			})
		},
	}
}

// ============================================================================
// Job spec flags
// ============================================================================

// specFlags describes a job on the command line. Exactly one of --at,
// --every and --cron selects the trigger, unless --file supplies the whole
// spec as JSON.
type specFlags struct {
	file        string
	description string
	key         string
	data        map[string]string

	at    string
	every time.Duration
	start string
	end   string
	count int
	cron  string

	misfireThreshold time.Duration
	misfireAction    string
}

func (f *specFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.file, "file", "f", "", "read the job spec from a JSON file")
	fs.StringVar(&f.description, "description", "", "job description")
	fs.StringVar(&f.key, "key", "", "job key selecting the code to run")
	fs.StringToStringVar(&f.data, "data", nil, "job data as key=value pairs")
	fs.StringVar(&f.at, "at", "", "fire once at this RFC3339 time, or \"now\"")
	fs.DurationVar(&f.every, "every", 0, "fire periodically with this period")
	fs.StringVar(&f.start, "start", "", "first fire time for --every (RFC3339, default now)")
	fs.StringVar(&f.end, "end", "", "no occurrences after this RFC3339 time (--every, --cron)")
	fs.IntVar(&f.count, "count", 0, "stop after this many executions (--every; 0 is unbounded)")
	fs.StringVar(&f.cron, "cron", "", "fire on a cron schedule, e.g. \"*/5 * * * *\" or \"@hourly\"")
	fs.DurationVar(&f.misfireThreshold, "misfire-threshold", 0, "how late a fire may start before it counts as missed")
	fs.StringVar(&f.misfireAction, "misfire-action", "", "what to do with a missed fire: skip, execute, delete or stop")
}

// misfireConfigurable is implemented by the built-in triggers.
type misfireConfigurable interface {
	SetMisfireThreshold(*time.Duration) error
	SetMisfireAction(types.ScheduleAction)
}

func (f *specFlags) build(cmd *cobra.Command, args []string, now time.Time) (*types.JobSpec, error) {
	if f.file != "" {
		return f.fromFile(args)
	}
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return nil, errors.New("a job name is required")
	}
	if f.key == "" {
		return nil, errors.New("--key is required")
	}

	trig, err := f.trigger(cmd, now)
	if err != nil {
		return nil, err
	}
	if mc, ok := trig.(misfireConfigurable); ok {
		if f.misfireThreshold > 0 {
			if err := mc.SetMisfireThreshold(&f.misfireThreshold); err != nil {
				return nil, err
			}
		}
		if f.misfireAction != "" {
			action, err := types.ParseScheduleAction(f.misfireAction)
			if err != nil {
				return nil, err
			}
			mc.SetMisfireAction(action)
		}
	}

	spec := &types.JobSpec{
		Name:        args[0],
		Description: f.description,
		JobKey:      f.key,
		Trigger:     trig,
	}
	if len(f.data) > 0 {
		spec.JobData = types.JobData(f.data).Clone()
	}
	return spec, nil
}

func (f *specFlags) fromFile(args []string) (*types.JobSpec, error) {
	raw, err := os.ReadFile(f.file)
	if err != nil {
		return nil, err
	}
	var spec types.JobSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse job spec %s: %w", f.file, err)
	}
	if len(args) > 0 && args[0] != "" {
		spec.Name = args[0]
	}
	if spec.Trigger == nil {
		return nil, fmt.Errorf("job spec %s has no trigger", f.file)
	}
	return &spec, nil
}

func (f *specFlags) trigger(cmd *cobra.Command, now time.Time) (types.Trigger, error) {
	chosen := 0
	for _, name := range []string{"at", "every", "cron"} {
		if cmd.Flags().Changed(name) {
			chosen++
		}
	}
	if chosen != 1 {
		return nil, errors.New("exactly one of --at, --every or --cron is required")
	}

	end, err := parseOptionalTime(f.end, now)
	if err != nil {
		return nil, fmt.Errorf("--end: %w", err)
	}

	switch {
	case f.at != "":
		at, err := parseTime(f.at, now)
		if err != nil {
			return nil, fmt.Errorf("--at: %w", err)
		}
		return trigger.NewOneShot(at), nil

	case f.every > 0:
		start := now
		if f.start != "" {
			if start, err = parseTime(f.start, now); err != nil {
				return nil, fmt.Errorf("--start: %w", err)
			}
		}
		var count *int
		if f.count > 0 {
			count = &f.count
		}
		period := f.every
		t, err := trigger.NewPeriodic(start, end, &period, count)
		if err != nil {
			return nil, err
		}
		return t, nil

	case f.cron != "":
		t, err := trigger.NewCron(f.cron)
		if err != nil {
			return nil, err
		}
		t.SetEndTime(end)
		return t, nil
	}
	return nil, errors.New("--every must be positive")
}

func parseTime(s string, now time.Time) (time.Time, error) {
	if strings.EqualFold(s, "now") {
		return now, nil
	}
	return time.Parse(timeLayout, s)
}

func parseOptionalTime(s string, now time.Time) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseTime(s, now)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
