package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ryandielhenn/cwlink/internal/config"
	"github.com/ryandielhenn/cwlink/pkg/presence"
	"github.com/ryandielhenn/cwlink/pkg/qso"
)

var (
	configForce bool
	configPrint bool

	stationsWatch bool

	qsoKeyword   string
	qsoDirection string
	qsoSince     string
	qsoPage      int
	qsoPageSize  int
	qsoDelete    []int64
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write the commented config template",
		Args:  cobra.NoArgs,
		RunE:  runConfigCmd,
	}
	cmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	cmd.Flags().BoolVar(&configPrint, "print", false, "print the template instead of writing it")
	return cmd
}

func runConfigCmd(cmd *cobra.Command, _ []string) error {
	if configPrint {
		_, err := fmt.Fprint(cmd.OutOrStdout(), config.Template())
		return err
	}
	err := config.WriteTemplate(configPath, configForce)
	if errors.Is(err, config.ErrExists) {
		return fmt.Errorf("%s already exists; use --force to overwrite", configPath)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), configPath)
	return nil
}

func newStationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stations",
		Short: "List stations registered in etcd",
		Args:  cobra.NoArgs,
		RunE:  runStationsCmd,
	}
	cmd.Flags().BoolVar(&stationsWatch, "watch", false, "keep printing the list as it changes")
	return cmd
}

func runStationsCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	endpoints := cfg.Presence.Endpoints
	if len(endpoints) == 0 {
		endpoints = cfg.Transport.Etcd
	}
	if len(endpoints) == 0 {
		return errors.New("no etcd endpoints configured (presence.endpoints or transport.etcd-endpoints)")
	}
	cli, err := presence.NewClient(endpoints)
	if err != nil {
		return fmt.Errorf("presence client: %w", err)
	}
	defer cli.Close()

	out := cmd.OutOrStdout()
	if !stationsWatch {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		list, err := presence.List(ctx, cli, presence.DefaultPrefix)
		if err != nil {
			return err
		}
		printStations(out, list)
		return nil
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return presence.Watch(ctx, cli, presence.DefaultPrefix, func(list []presence.Station) {
		fmt.Fprintf(out, "-- %s\n", time.Now().Format(time.TimeOnly))
		printStations(out, list)
	})
}

func printStations(out io.Writer, list []presence.Station) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CALL\tCHANNEL\tMODE\tSINCE")
	for _, s := range list {
		since := ""
		if !s.Since.IsZero() {
			since = s.Since.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", s.Call, s.Channel, s.Mode, since)
	}
	_ = tw.Flush()
}

func newQSOCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qso",
		Short: "Browse the QSO log",
		Args:  cobra.NoArgs,
		RunE:  runQSOCmd,
	}
	cmd.Flags().StringVar(&qsoKeyword, "q", "", "match sender, text or morse")
	cmd.Flags().StringVar(&qsoDirection, "direction", "", "send or receive")
	cmd.Flags().StringVar(&qsoSince, "since", "", "only records newer than this duration (e.g. 24h) or date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&qsoPage, "page", 1, "page number")
	cmd.Flags().IntVar(&qsoPageSize, "page-size", 20, "records per page")
	cmd.Flags().Int64SliceVar(&qsoDelete, "delete", nil, "delete records by id")
	return cmd
}

func runQSOCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st, err := qso.OpenSQLite(cfg.QSO.Path)
	if err != nil {
		return fmt.Errorf("failed to open qso log: %w", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logErrf("failed to close qso log: %v\n", cerr)
		}
	}()

	ctx := context.Background()
	out := cmd.OutOrStdout()
	if len(qsoDelete) > 0 {
		n, err := st.Delete(ctx, qsoDelete...)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted %d record(s)\n", n)
		return nil
	}

	q := qso.Query{
		Keyword:  qsoKeyword,
		Page:     qsoPage,
		PageSize: qsoPageSize,
	}
	if qsoDirection != "" {
		if q.Direction = qso.ParseDirection(qsoDirection); q.Direction == "" {
			return fmt.Errorf("--direction must be send or receive, got %q", qsoDirection)
		}
	}
	if qsoSince != "" {
		since, err := parseSince(qsoSince, time.Now())
		if err != nil {
			return err
		}
		q.Since = since
	}

	recs, total, err := st.List(ctx, q)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWHEN\tDIR\tSENDER\tSECS\tTEXT")
	for _, r := range recs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%.1f\t%s\n",
			r.ID, r.CreatedAt.Local().Format(time.DateTime), r.Direction, r.Sender,
			float64(r.DurationMS)/1000, r.Text)
	}
	_ = tw.Flush()
	fmt.Fprintf(out, "page %d, %d of %d record(s)\n", max(q.Page, 1), len(recs), total)
	return nil
}

// parseSince accepts a Go duration back from now or a calendar date.
func parseSince(v string, now time.Time) (time.Time, error) {
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(-d), nil
	}
	if days, ok := strings.CutSuffix(v, "d"); ok {
		if n, err := strconv.Atoi(days); err == nil {
			return now.AddDate(0, 0, -n), nil
		}
	}
	t, err := time.ParseInLocation(time.DateOnly, v, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since: want a duration like 24h, 7d or a date YYYY-MM-DD, got %q", v)
	}
	return t, nil
}
