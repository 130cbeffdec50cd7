package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mattjoyce/actionarchiver/internal/action"
	"github.com/mattjoyce/actionarchiver/internal/bigfix"
	"github.com/mattjoyce/actionarchiver/internal/log"
)

// Service is the read side of the BigFix API used while archiving.
type Service interface {
	Query(ctx context.Context, relevance string) (*bigfix.QueryResult, error)
	Action(ctx context.Context, id int64) (string, error)
	ActionStatus(ctx context.Context, id int64) (string, error)
}

// Sink receives archived files. *archive.Sink satisfies it.
type Sink interface {
	ResolvePath(segments ...string) string
	EnsureContainer(p string) error
	WriteText(p, text string) error
}

// Result is the outcome of processing one descriptor.
type Result struct {
	Descriptor action.Descriptor
	// Components is the number of group members archived.
	Components int
	Duration   time.Duration
	Err        error
}

// Succeeded reports whether every fetch and write completed.
func (r Result) Succeeded() bool { return r.Err == nil }

// Processor archives actions into a sink.
type Processor struct {
	service Service
	sink    Sink
	logger  *slog.Logger
}

// New creates a Processor. It is safe for concurrent use when svc and sink are.
func New(svc Service, sink Sink) *Processor {
	return &Processor{
		service: svc,
		sink:    sink,
		logger:  log.WithComponent("dispatch"),
	}
}

// Process archives d and, for a multiple action group, its components.
func (p *Processor) Process(ctx context.Context, d action.Descriptor) Result {
	start := time.Now()
	logger := log.WithAction(d.ID).With("component", "dispatch", "issuer", d.Issuer)
	logger.Debug("processing action", "name", d.Name, "mag", d.MAG)

	res := Result{Descriptor: d}
	res.Components, res.Err = p.archive(ctx, d)
	res.Duration = time.Since(start)

	if res.Err != nil {
		logger.Warn("action not archived", "error", res.Err, "duration_ms", res.Duration.Milliseconds())
		return res
	}
	logger.Debug("action archived", "components", res.Components, "duration_ms", res.Duration.Milliseconds())
	return res
}

func (p *Processor) archive(ctx context.Context, d action.Descriptor) (int, error) {
	definition, status, err := p.fetch(ctx, d.ID)
	if err != nil {
		return 0, err
	}

	meta, err := d.MetaJSON()
	if err != nil {
		return 0, err
	}

	issuer := d.IssuerDir()
	if err := p.sink.EnsureContainer(p.sink.ResolvePath(issuer)); err != nil {
		return 0, fmt.Errorf("prepare issuer %q: %w", issuer, err)
	}

	id := strconv.FormatInt(d.ID, 10)
	files := []struct {
		name string
		text string
	}{
		{id + "_action.xml", definition},
		{id + "_result.xml", status},
		{id + "_META.txt", string(meta)},
	}
	for _, f := range files {
		if err := p.sink.WriteText(p.sink.ResolvePath(issuer, f.name), f.text); err != nil {
			return 0, fmt.Errorf("archive action %d: %w", d.ID, err)
		}
	}

	if !d.MAG {
		return 0, nil
	}
	return p.archiveGroup(ctx, d, issuer)
}

// archiveGroup archives the member actions of a multiple action group,
// sequentially.
func (p *Processor) archiveGroup(ctx context.Context, d action.Descriptor, issuer string) (int, error) {
	res, err := p.service.Query(ctx, action.MemberActionsQuery(d.ID))
	if err != nil {
		return 0, fmt.Errorf("query members of group %d: %w", d.ID, err)
	}
	components, err := action.ParseComponents(res.Rows)
	if err != nil {
		return 0, fmt.Errorf("members of group %d: %w", d.ID, err)
	}

	p.logger.Debug("archiving group members", "action_id", strconv.FormatInt(d.ID, 10), "components", len(components))

	groupDir := strconv.FormatInt(d.ID, 10) + "_MAG"
	if err := p.sink.EnsureContainer(p.sink.ResolvePath(issuer, groupDir)); err != nil {
		return 0, fmt.Errorf("prepare group %d: %w", d.ID, err)
	}

	for i, c := range components {
		definition, status, err := p.fetch(ctx, c.ID)
		if err != nil {
			return i, fmt.Errorf("group %d component: %w", d.ID, err)
		}
		cid := strconv.FormatInt(c.ID, 10)
		if err := p.sink.WriteText(p.sink.ResolvePath(issuer, groupDir, cid+"_action.xml"), definition); err != nil {
			return i, fmt.Errorf("archive group %d component %d: %w", d.ID, c.ID, err)
		}
		if err := p.sink.WriteText(p.sink.ResolvePath(issuer, groupDir, cid+"_result.xml"), status); err != nil {
			return i, fmt.Errorf("archive group %d component %d: %w", d.ID, c.ID, err)
		}
	}
	return len(components), nil
}

// fetch returns the definition and status documents of one action.
func (p *Processor) fetch(ctx context.Context, id int64) (string, string, error) {
	definition, err := p.service.Action(ctx, id)
	if err != nil {
		return "", "", fmt.Errorf("fetch action %d: %w", id, err)
	}
	status, err := p.service.ActionStatus(ctx, id)
	if err != nil {
		return "", "", fmt.Errorf("fetch status of action %d: %w", id, err)
	}
	return definition, status, nil
}
