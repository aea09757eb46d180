package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/driftwatch/driftwatch/pkg/config"
	"github.com/driftwatch/driftwatch/pkg/engine"
	"github.com/driftwatch/driftwatch/pkg/policy"
	"github.com/driftwatch/driftwatch/pkg/sources"
	"github.com/driftwatch/driftwatch/pkg/stores"
	"github.com/driftwatch/driftwatch/pkg/telemetry"
)

// app bundles the wired-up components every command needs: config,
// store, policy resolver, engine, and telemetry.
type app struct {
	cfg      *config.Config
	store    *stores.SQLiteStore
	policies *policy.Resolver
	engine   *engine.Engine
	tel      *telemetry.Telemetry
}

// newApp loads configuration, opens the store, and wires the engine.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	telCfg := telemetry.DefaultConfig()
	telCfg.ServiceName = "driftwatch"
	telCfg.Logging.Level = cfg.Logging.Level
	telCfg.Logging.Format = cfg.Logging.Format
	telCfg.Logging.Output = cfg.Logging.Output
	if verbose {
		telCfg.Logging.Level = "debug"
	}
	telCfg.Metrics.Enabled = cfg.Metrics.Enabled
	telCfg.Metrics.ListenAddress = cfg.Metrics.ListenAddress
	if cfg.Metrics.Path != "" {
		telCfg.Metrics.Path = cfg.Metrics.Path
	}
	telCfg.Tracing.Enabled = cfg.Tracing.Enabled
	if cfg.Tracing.Exporter != "" {
		telCfg.Tracing.Exporter = cfg.Tracing.Exporter
	}
	telCfg.Tracing.Endpoint = cfg.Tracing.Endpoint
	telCfg.Tracing.SamplingRate = cfg.Tracing.SamplingRate
	telCfg.Tracing.Insecure = cfg.Tracing.Insecure

	tel, err := telemetry.NewTelemetry(telCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	// No-op unless metrics are enabled in the config.
	if err := tel.StartMetricsServer(); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	logger := tel.Logger.Zerolog()
	resolver := policy.NewResolver(store, logger)
	source := sources.NewFSSource(cfg.Sources.CanonicalRoot, cfg.Sources.LiveRoot)
	notifier := &eventNotifier{events: tel.Events}

	eng := engine.New(store, source, notifier, resolver, logger, tel.Metrics, tel.Tracer, engine.Options{
		MaxParallel:    cfg.Engine.MaxParallel,
		LeaseTTL:       cfg.Engine.LeaseTTL,
		FetchTimeout:   cfg.Engine.FetchTimeout,
		SweepBatchSize: cfg.Engine.SweepBatchSize,
		PurgeBatchSize: cfg.Engine.PurgeBatchSize,
	})

	return &app{
		cfg:      cfg,
		store:    store,
		policies: resolver,
		engine:   eng,
		tel:      tel,
	}, nil
}

// Close releases the app's resources.
func (a *app) Close(ctx context.Context) {
	_ = a.store.Close()
	_ = a.tel.Shutdown(ctx)
}

// eventNotifier delivers engine warnings through the telemetry event
// publisher.
type eventNotifier struct {
	events *telemetry.EventPublisher
}

func (n *eventNotifier) NotifyWarning(ctx context.Context, tenantID, incidentID, kind string) error {
	switch kind {
	case engine.NotifyKindExpirationWarning:
		return n.events.PublishExpirationWarning(tenantID, incidentID)
	case engine.NotifyKindIncidentExpired:
		return n.events.PublishIncidentExpired(tenantID, incidentID)
	default:
		return n.events.Publish(telemetry.Event{
			Type:       kind,
			Source:     "engine",
			TenantID:   tenantID,
			IncidentID: incidentID,
			Level:      telemetry.EventLevelWarning,
		})
	}
}

// printJSON writes a value as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

// renderTable renders headers and rows as a rounded-border table.
func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := 0; i < columns; i++ {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}

// formatTime renders a nullable timestamp for table output.
func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// formatStr renders a nullable string for table output.
func formatStr(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
