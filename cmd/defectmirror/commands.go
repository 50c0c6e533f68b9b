package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/pflag"

	"github.com/hazyhaar/defectmirror/analytics"
	"github.com/hazyhaar/defectmirror/defect"
	"github.com/hazyhaar/defectmirror/mirror"
	"github.com/hazyhaar/defectmirror/query"
)

func exitCode(err error) int {
	switch {
	case errors.Is(err, defect.ErrValidation):
		return 2
	case errors.Is(err, defect.ErrNoData):
		return 3
	case errors.Is(err, defect.ErrSyncInProgress):
		return 4
	case errors.Is(err, defect.ErrNotFound):
		return 5
	}
	return 1
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdSync(ctx context.Context, args []string, stdout io.Writer) error {
	var c common
	var from string
	fs := newFlagSet("sync", &c)
	fs.StringVarP(&from, "from", "f", "", `raw tracker export ({"entities": [...]}), "-" for stdin`)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if from == "" {
		return errors.New("sync: --from is required")
	}

	var data []byte
	var err error
	if from == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(from)
	}
	if err != nil {
		return fmt.Errorf("sync: read export: %w", err)
	}

	m, _, err := c.open()
	if err != nil {
		return err
	}
	defer m.Close()

	meta, err := m.SyncExport(ctx, data)
	if err != nil {
		return err
	}
	return writeJSON(stdout, meta)
}

func cmdServe(ctx context.Context, args []string, _ io.Writer) error {
	var c common
	var addr string
	fs := newFlagSet("serve", &c)
	fs.StringVar(&addr, "listen", "", "listen address (default from config, :8086)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	m, logger, err := c.open()
	if err != nil {
		return err
	}
	defer m.Close()
	cfg := m.Config()
	if addr == "" {
		addr = cfg.ListenAddr
	}

	if cfg.RefreshInterval > 0 {
		go m.Watch(ctx, cfg.RefreshInterval)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("defectmirror: serving", "addr", addr, "data_dir", cfg.DataDir)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("defectmirror: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func cmdMCP(ctx context.Context, args []string, _ io.Writer) error {
	var c common
	fs := newFlagSet("mcp", &c)
	if err := fs.Parse(args); err != nil {
		return err
	}
	m, _, err := c.open()
	if err != nil {
		return err
	}
	defer m.Close()

	srv := mcp.NewServer(&mcp.Implementation{Name: "defectmirror", Version: "1.0.0"}, nil)
	m.RegisterMCP(srv)
	return srv.Run(ctx, &mcp.StdioTransport{})
}

// filterFlags binds the listing filters shared by list and search.
type filterFlags struct {
	req      query.Request
	asJSON   bool
	page     int
	pageSize int
}

func (f *filterFlags) addFlags(fs *pflag.FlagSet) {
	fs.StringSliceVar(&f.req.Status, "status", nil, `status filter; "!terminal", "!hidden" or "!<status>" exclude`)
	fs.StringSliceVar(&f.req.Priority, "priority", nil, "priority filter")
	fs.StringSliceVar(&f.req.Owner, "owner", nil, "owner substring")
	fs.StringSliceVar(&f.req.Module, "module", nil, "module substring")
	fs.StringSliceVar(&f.req.Workstream, "workstream", nil, "workstream substring")
	fs.StringSliceVar(&f.req.DefectType, "type", nil, "defect type substring")
	fs.StringSliceVar(&f.req.Scenario, "scenario", nil, "scenario code")
	fs.StringSliceVar(&f.req.Integration, "integration", nil, "integration tag")
	fs.IntSliceVar(&f.req.Blocks, "blocks", nil, "defects blocking these ids")
	fs.StringVar(&f.req.Sort, "sort", "", "sort field")
	fs.StringVar(&f.req.Order, "order", "", "asc or desc")
	fs.IntVar(&f.page, "page", 1, "page number")
	fs.IntVar(&f.pageSize, "limit", 0, "page size (default from config)")
	fs.BoolVar(&f.asJSON, "json", false, "print JSON")
}

func (f *filterFlags) request() query.Request {
	r := f.req
	r.Page, r.PageSize = f.page, f.pageSize
	return r
}

func (f *filterFlags) print(w io.Writer, page query.Page) error {
	if f.asJSON {
		return writeJSON(w, page)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPRIORITY\tSTATUS\tOWNER\tCREATED\tTITLE")
	for _, d := range page.Defects {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", d.ID, dash(d.Priority), dash(d.Status), dash(d.Owner), dash(d.Created), d.DisplayName)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\npage %d/%d, %d defects\n", page.Page, page.Pages, page.Total)
	return err
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func cmdList(ctx context.Context, args []string, stdout io.Writer) error {
	var c common
	var f filterFlags
	fs := newFlagSet("list", &c)
	f.addFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	m, _, err := c.open()
	if err != nil {
		return err
	}
	defer m.Close()

	page, err := m.Find(ctx, f.request())
	if err != nil {
		return err
	}
	return f.print(stdout, page)
}

func cmdSearch(ctx context.Context, args []string, stdout io.Writer) error {
	var c common
	var f filterFlags
	fs := newFlagSet("search", &c)
	f.addFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	m, _, err := c.open()
	if err != nil {
		return err
	}
	defer m.Close()

	req := f.request()
	req.Query = strings.Join(fs.Args(), " ")
	page, err := m.Search(ctx, req)
	if err != nil {
		return err
	}
	return f.print(stdout, page)
}

func cmdShow(ctx context.Context, args []string, stdout io.Writer) error {
	var c common
	var asJSON bool
	fs := newFlagSet("show", &c)
	fs.BoolVar(&asJSON, "json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("show: expected one defect id")
	}
	id, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		return defect.Invalid("id", fs.Arg(0), "id must be an integer")
	}
	m, _, err := c.open()
	if err != nil {
		return err
	}
	defer m.Close()

	d, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(stdout, d)
	}
	return printDefect(stdout, d)
}

func printDefect(w io.Writer, d defect.Defect) error {
	fmt.Fprintf(w, "# %d: %s\n\n", d.ID, d.Name)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, kv := range [][2]string{
		{"Status", d.Status}, {"Priority", d.Priority}, {"Severity", d.Severity},
		{"Owner", d.Owner}, {"Detected by", d.DetectedBy},
		{"Created", d.Created}, {"Modified", d.Modified}, {"Closed", d.Closed},
		{"Module", d.Module}, {"Workstream", d.Workstream}, {"Type", d.DefectType},
		{"Scenarios", strings.Join(d.Scenarios, ", ")},
		{"Integrations", strings.Join(d.Integrations, ", ")},
		{"Blocks", joinInts(d.Blocks)},
	} {
		if kv[1] != "" {
			fmt.Fprintf(tw, "%s:\t%s\n", kv[0], kv[1])
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, sec := range []struct{ title, html, text string }{
		{"Description", d.DescriptionHTML, d.Description},
		{"Developer comments", d.DevCommentsHTML, d.DevComments},
	} {
		src := sec.html
		if src == "" {
			src = sec.text
		}
		md, err := defect.Markdown(src)
		if err != nil {
			md = sec.text
		}
		if md != "" {
			fmt.Fprintf(w, "\n## %s\n\n%s\n", sec.title, md)
		}
	}
	return nil
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = "#" + strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}

func cmdStats(ctx context.Context, args []string, stdout io.Writer) error {
	var c common
	var view, lane string
	var includeClosed, includeHidden bool
	var topN int
	fs := newFlagSet("stats", &c)
	fs.StringVar(&view, "view", "summary", "summary, burndown, aging, velocity, priority-trend, executive or kanban")
	fs.BoolVar(&includeClosed, "include-closed", false, "summary: break down closed defects too")
	fs.IntVar(&topN, "top", 0, "summary: entries per breakdown")
	fs.StringVar(&lane, "lane", "priority", "kanban: swimlane field, or none")
	fs.BoolVar(&includeHidden, "include-hidden", false, "kanban: include hidden statuses")
	if err := fs.Parse(args); err != nil {
		return err
	}
	m, _, err := c.open()
	if err != nil {
		return err
	}
	defer m.Close()

	var v any
	switch view {
	case "summary":
		v, err = m.Stats(ctx, analytics.StatsOptions{IncludeClosed: includeClosed, TopN: topN})
	case "burndown":
		v, err = m.Burndown(ctx)
	case "aging":
		v, err = m.Aging(ctx)
	case "velocity":
		v, err = m.Velocity(ctx)
	case "priority-trend":
		v, err = m.PriorityTrend(ctx)
	case "executive":
		v, err = m.Executive(ctx)
	case "kanban":
		v, err = m.Kanban(ctx, mirror.KanbanLane(lane), includeHidden)
	default:
		return defect.Invalid("view", view, "unknown view")
	}
	if err != nil {
		return err
	}
	return writeJSON(stdout, v)
}

func cmdHistory(ctx context.Context, args []string, stdout io.Writer) error {
	var c common
	var gen string
	var id int
	fs := newFlagSet("history", &c)
	fs.StringVar(&gen, "generation", "", "read this generation's records")
	fs.IntVar(&id, "id", 0, "with --generation: only this defect")
	if err := fs.Parse(args); err != nil {
		return err
	}
	m, _, err := c.open()
	if err != nil {
		return err
	}
	defer m.Close()

	if gen == "" {
		gens, err := m.Generations()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "GENERATION\tSYNCED\tLOG BYTES\tINDEX BYTES\t")
		for _, g := range gens {
			cur := ""
			if g.Current {
				cur = "current"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", g.ID, g.SyncedAt.Format(time.RFC3339), g.LogSize, g.IndexSize, cur)
		}
		return tw.Flush()
	}

	records, err := m.GenerationRecords(gen)
	if err != nil {
		return err
	}
	if id == 0 {
		return writeJSON(stdout, records)
	}
	for _, d := range records {
		if d.ID == id {
			return writeJSON(stdout, d)
		}
	}
	return fmt.Errorf("defect %d in generation %s: %w", id, gen, defect.ErrNotFound)
}

func cmdPrune(_ context.Context, args []string, stdout io.Writer) error {
	var c common
	var keep int
	fs := newFlagSet("prune", &c)
	fs.IntVar(&keep, "keep", 0, "generations to keep (default retention.keep)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	m, _, err := c.open()
	if err != nil {
		return err
	}
	defer m.Close()

	if keep == 0 {
		keep = m.Config().Retention.Keep
	}
	removed, err := m.Prune(keep)
	if err != nil {
		return err
	}
	for _, id := range removed {
		fmt.Fprintln(stdout, id)
	}
	return nil
}

func cmdSyncRuns(ctx context.Context, args []string, stdout io.Writer) error {
	var c common
	var n int
	fs := newFlagSet("sync-runs", &c)
	fs.IntVarP(&n, "limit", "n", 20, "number of runs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	m, _, err := c.open()
	if err != nil {
		return err
	}
	defer m.Close()

	runs, err := m.SyncRuns(ctx, n)
	if err != nil {
		return err
	}
	return writeJSON(stdout, runs)
}
