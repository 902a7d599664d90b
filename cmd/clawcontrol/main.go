package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/clawcontrol/clawcontrol/internal/config"
	"github.com/clawcontrol/clawcontrol/internal/dispatch"
	"github.com/clawcontrol/clawcontrol/internal/explore"
	"github.com/clawcontrol/clawcontrol/internal/ingest"
	. "github.com/clawcontrol/clawcontrol/internal/logging"
	"github.com/clawcontrol/clawcontrol/internal/ops"
	"github.com/clawcontrol/clawcontrol/internal/runtime"
	"github.com/clawcontrol/clawcontrol/internal/sched"
	"github.com/clawcontrol/clawcontrol/internal/store"
	"github.com/clawcontrol/clawcontrol/internal/telemetry"
)

const version = "0.1.0"

// appCtx holds the wired services every command shares.
type appCtx struct {
	cfg    *config.Config
	st     *store.Store
	client *runtime.Client
}

func (a *appCtx) engine() *ingest.Engine {
	return ingest.NewEngine(a.st, a.cfg.Runtime.Home)
}

func (a *appCtx) close() {
	if a.st != nil {
		a.st.Close()
	}
}

var cli struct {
	Debug bool `help:"Enable debug logging."`

	Version versionCmd `cmd:"" help:"Print the version."`
	Sync    syncCmd    `cmd:"" help:"Run one usage ingestion pass."`
	Scope   scopeCmd   `cmd:"" help:"Check cursor parity for recently active sessions."`
	Explore exploreCmd `cmd:"" help:"Query usage analytics."`
	Spawn   spawnCmd   `cmd:"" help:"Dispatch an agent session."`
	Agents  agentsCmd  `cmd:"" help:"List agents with live session state."`
	Models  modelsCmd  `cmd:"" help:"Inspect runtime models."`
	Ops     opsCmd     `cmd:"" help:"Actionable event intake and relay."`
	Serve   serveCmd   `cmd:"" help:"Run the background scheduler."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("clawcontrol"),
		kong.Description("Control plane for OpenClaw agent usage, telemetry and dispatch."),
		kong.UsageOnError())

	level := LevelInfo
	if cli.Debug {
		level = LevelDebug
	}
	Init(&Config{Level: level, ShowCaller: cli.Debug})

	app, err := newAppCtx(kctx.Command())
	if err != nil {
		L_fatal("startup failed", "error", err)
	}
	defer app.close()

	if err := kctx.Run(app); err != nil {
		L_fatal("command failed", "error", err)
	}
}

func newAppCtx(command string) (*appCtx, error) {
	app := &appCtx{}
	if command == "version" {
		return app, nil
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	app.cfg = cfg
	app.client = runtime.New(cfg.Runtime.Bin, cfg.Telemetry.CommandTimeout)

	st, err := store.Open(cfg.Database.Path, cfg.Database.BusyTimeout)
	if err != nil {
		return nil, err
	}
	app.st = st
	return app, nil
}

type versionCmd struct{}

func (versionCmd) Run(*appCtx) error {
	fmt.Printf("clawcontrol %s\n", version)
	return nil
}

type syncCmd struct {
	MaxMs    int64 `help:"Wall-clock budget in milliseconds." default:"0"`
	MaxFiles int   `help:"File-count budget." default:"0"`
}

func (c *syncCmd) Run(app *appCtx) error {
	b := ingest.Budget{MaxMs: c.MaxMs, MaxFiles: c.MaxFiles}
	if b.MaxMs <= 0 {
		b.MaxMs = app.cfg.Ingestion.MaxMs
	}
	if b.MaxFiles <= 0 {
		b.MaxFiles = app.cfg.Ingestion.MaxFiles
	}
	stats, err := app.engine().SyncUsage(context.Background(), b)
	if err != nil {
		return err
	}
	return printJSON(stats)
}

type scopeCmd struct {
	From  string `help:"Range start (RFC3339), default 24h ago."`
	To    string `help:"Range end (RFC3339), default now."`
	Limit int    `help:"Session sample limit." default:"0"`
}

func (c *scopeCmd) Run(app *appCtx) error {
	now := time.Now()
	req := ingest.ScopeRequest{
		FromMs:       now.Add(-24 * time.Hour).UnixMilli(),
		ToMs:         now.UnixMilli(),
		SessionLimit: c.Limit,
	}
	var err error
	if req.FromMs, err = parseTimeMs(c.From, req.FromMs); err != nil {
		return err
	}
	if req.ToMs, err = parseTimeMs(c.To, req.ToMs); err != nil {
		return err
	}

	res, err := app.engine().ResolveScope(req)
	if err != nil {
		return err
	}
	return printJSON(res)
}

// exploreFlags are the filter flags shared by every explore subcommand.
type exploreFlags struct {
	From     string   `help:"Range start (RFC3339)."`
	To       string   `help:"Range end (RFC3339)."`
	Timezone string   `help:"IANA timezone for activity bucketing." default:"UTC"`
	Agent    []string `help:"Filter by agent id."`
	Model    []string `help:"Filter by model key."`
	Provider []string `help:"Filter by provider."`
	Source   []string `help:"Filter by source."`
	Class    []string `help:"Filter by session class."`
	Q        string   `help:"Free-text filter."`
	Page     int      `help:"Page number." default:"1"`
	PageSize int      `help:"Page size." default:"0"`
	Sort     string   `help:"Sort order: cost_desc, tokens_desc, recent_desc."`
}

func (f *exploreFlags) request() (explore.Request, error) {
	req := explore.Request{
		Range: explore.TimeRange{Timezone: f.Timezone},
		Filters: explore.Filters{
			AgentIDs:       f.Agent,
			ModelKeys:      f.Model,
			Providers:      f.Provider,
			Sources:        f.Source,
			SessionClasses: f.Class,
			Q:              f.Q,
		},
		Page:     f.Page,
		PageSize: f.PageSize,
		Sort:     f.Sort,
	}
	var err error
	if req.Range.FromMs, err = parseTimeMs(f.From, 0); err != nil {
		return req, err
	}
	if req.Range.ToMs, err = parseTimeMs(f.To, 0); err != nil {
		return req, err
	}
	return req, nil
}

type exploreCmd struct {
	Summary   exploreSummaryCmd   `cmd:"" help:"Range totals and daily series."`
	Breakdown exploreBreakdownCmd `cmd:"" help:"Totals grouped by one dimension."`
	Activity  exploreActivityCmd  `cmd:"" help:"Weekday and hour heatmap."`
	Sessions  exploreSessionsCmd  `cmd:"" help:"Paged session listing."`
	Options   exploreOptionsCmd   `cmd:"" help:"Distinct filter values for the range."`
}

type exploreSummaryCmd struct{ exploreFlags }

func (c *exploreSummaryCmd) Run(app *appCtx) error {
	req, err := c.request()
	if err != nil {
		return err
	}
	res, err := explore.New(app.st).GetSummary(req)
	if err != nil {
		return err
	}
	return printJSON(res)
}

type exploreBreakdownCmd struct {
	exploreFlags
	GroupBy string `arg:"" help:"Dimension: agent, model, provider, source, sessionClass, tool."`
}

func (c *exploreBreakdownCmd) Run(app *appCtx) error {
	req, err := c.request()
	if err != nil {
		return err
	}
	res, err := explore.New(app.st).GetBreakdown(req, c.GroupBy)
	if err != nil {
		return err
	}
	return printJSON(res)
}

type exploreActivityCmd struct{ exploreFlags }

func (c *exploreActivityCmd) Run(app *appCtx) error {
	req, err := c.request()
	if err != nil {
		return err
	}
	res, err := explore.New(app.st).GetActivity(req)
	if err != nil {
		return err
	}
	return printJSON(res)
}

type exploreSessionsCmd struct{ exploreFlags }

func (c *exploreSessionsCmd) Run(app *appCtx) error {
	req, err := c.request()
	if err != nil {
		return err
	}
	res, err := explore.New(app.st).GetSessions(req)
	if err != nil {
		return err
	}
	return printJSON(res)
}

type exploreOptionsCmd struct{ exploreFlags }

func (c *exploreOptionsCmd) Run(app *appCtx) error {
	req, err := c.request()
	if err != nil {
		return err
	}
	res, err := explore.New(app.st).GetOptions(req)
	if err != nil {
		return err
	}
	return printJSON(res)
}

type spawnCmd struct {
	Agent   string `arg:"" help:"Agent id."`
	Label   string `required:"" help:"Session key for the new session."`
	Task    string `required:"" help:"Task message."`
	Context string `help:"Extra context as a JSON object."`
	Model   string `help:"Model override."`
	Timeout int    `help:"Timeout in seconds." default:"0"`
}

func (c *spawnCmd) Run(app *appCtx) error {
	req := dispatch.SpawnRequest{
		AgentID:        c.Agent,
		Label:          c.Label,
		Task:           c.Task,
		Model:          c.Model,
		TimeoutSeconds: c.Timeout,
	}
	if c.Context != "" {
		if err := json.Unmarshal([]byte(c.Context), &req.Context); err != nil {
			return fmt.Errorf("bad --context: %w", err)
		}
	}

	d := dispatch.New(app.st, app.client, app.cfg.Runtime)
	res, err := d.Spawn(context.Background(), req)
	if err != nil {
		return err
	}
	return printJSON(res)
}

type agentsCmd struct {
	Limit int `help:"Session rows to consider for liveness." default:"500"`
}

// agentRow is one line of the agents listing: static config enriched
// with the live session overlay.
type agentRow struct {
	runtime.AgentInfo
	State        string `json:"state,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	LastSeenAtMs int64  `json:"lastSeenAtMs,omitempty"`
}

func (c *agentsCmd) Run(app *appCtx) error {
	agents, err := runtime.ListAgents()
	if err != nil {
		return err
	}

	syncer := telemetry.NewSyncer(app.st, app.client)
	if _, err := syncer.SyncAgentSessions(context.Background()); err != nil {
		L_warn("agents: telemetry refresh failed, using stored state", "error", err)
	}
	overlay, err := syncer.OverlayFromStore(c.Limit)
	if err != nil {
		return err
	}

	rows := make([]agentRow, 0, len(agents))
	for _, a := range agents {
		row := agentRow{AgentInfo: a}
		if live, ok := overlay[a.ID]; ok {
			row.State = live.State
			row.SessionID = live.SessionID
			row.LastSeenAtMs = live.LastSeenAtMs
		}
		rows = append(rows, row)
	}
	return printJSON(rows)
}

type modelsCmd struct {
	List   modelsListCmd   `cmd:"" help:"List all models known to the runtime."`
	Status modelsStatusCmd `cmd:"" help:"Show model availability."`
}

type modelsListCmd struct{}

func (modelsListCmd) Run(app *appCtx) error {
	res, err := app.client.ModelsList(context.Background())
	if err != nil {
		return err
	}
	return printJSON(res)
}

type modelsStatusCmd struct{}

func (modelsStatusCmd) Run(app *appCtx) error {
	res, err := app.client.ModelsStatus(context.Background())
	if err != nil {
		return err
	}
	return printJSON(res)
}

type opsCmd struct {
	Ingest opsIngestCmd `cmd:"" help:"Ingest one actionable payload (JSON file or stdin)."`
	Poll   opsPollCmd   `cmd:"" help:"Relay pending events."`
}

type opsIngestCmd struct {
	File string `arg:"" optional:"" help:"Payload JSON file, - or empty for stdin."`
}

func (c *opsIngestCmd) Run(app *appCtx) error {
	var data []byte
	var err error
	if c.File == "" || c.File == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(c.File)
	}
	if err != nil {
		return err
	}

	var payload ops.Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("bad payload: %w", err)
	}

	svc := ops.NewService(app.st, ops.FileGovernance{})
	res, err := svc.Ingest(payload)
	if err != nil {
		return err
	}
	return printJSON(res)
}

type opsPollCmd struct {
	Max   int    `help:"Maximum events to relay." default:"100"`
	Team  string `help:"Restrict to one team."`
	Relay string `help:"Restrict to one relay key."`
}

func (c *opsPollCmd) Run(app *appCtx) error {
	svc := ops.NewService(app.st, ops.FileGovernance{})
	items, err := svc.Poll(c.Max, c.Team, c.Relay)
	if err != nil {
		return err
	}
	if items == nil {
		items = []store.ActionableEvent{}
	}
	return printJSON(items)
}

type serveCmd struct{}

func (serveCmd) Run(app *appCtx) error {
	L_info("clawcontrol starting", "version", version, "home", app.cfg.Runtime.Home)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	syncer := telemetry.NewSyncer(app.st, app.client)
	svc := sched.New(app.engine(), syncer, app.cfg)

	err := svc.Run(ctx)
	if ctx.Err() != nil {
		L_info("clawcontrol stopped")
		return nil
	}
	return err
}

func parseTimeMs(s string, fallback int64) (int64, error) {
	if s == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("bad time %q: %w", s, err)
	}
	return t.UnixMilli(), nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
