// Package dispatch matches bus events against agent triggers and runs the
// resulting actions for one cluster.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/conclave/internal/bus"
	"github.com/mtzanidakis/conclave/internal/config"
	"github.com/mtzanidakis/conclave/internal/contextbuilder"
	"github.com/mtzanidakis/conclave/internal/extract"
	"github.com/mtzanidakis/conclave/internal/runner"
	"github.com/mtzanidakis/conclave/internal/schema"
	"github.com/mtzanidakis/conclave/internal/template"
)

// Agent runtime states.
const (
	StateIdle          = "idle"
	StateStarted       = "started"
	StateTaskStarted   = "task_started"
	StateTaskCompleted = "task_completed"
	StateError         = "error"
)

// Values of the "event" field of AGENT_LIFECYCLE events.
const (
	LifecycleStarted       = "STARTED"
	LifecycleTaskStarted   = "TASK_STARTED"
	LifecycleTaskCompleted = "TASK_COMPLETED"
)

// maxTraceLines bounds the stack attached to AGENT_ERROR events.
const maxTraceLines = 5

// Publisher is the part of the bus the dispatcher writes to and reads from.
type Publisher interface {
	Publish(ctx context.Context, ev bus.Event) (bus.Event, error)
	Query(f bus.Filter) []bus.Event
}

type Options struct {
	ClusterID string
	CreatedAt time.Time
	// Agents must have provider and model already resolved.
	Agents []config.AgentSpec
	Bus    Publisher
	Runner runner.Runner
	LogDir string
	// Workdir is the directory agents run in.
	Workdir        string
	DefaultTimeout time.Duration

	// OnFirstTrigger runs once, when the first trigger is claimed.
	OnFirstTrigger func()
	// OnFatal receives bus write failures.
	OnFatal func(error)
}

// AgentStatus is a snapshot of one agent's runtime state.
type AgentStatus struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	State     string `json:"state"`
	Iteration int    `json:"iteration"`
	Running   bool   `json:"running"`
	Queued    int    `json:"queued"`

	// Set while a task is running.
	LogPath   string     `json:"log_path,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

type agentState struct {
	spec      config.AgentSpec
	iteration int
	lastState string
	processed map[int64]struct{}
}

type actionFunc func(a *agentState, t task)

type Dispatcher struct {
	opts     Options
	agents   []*agentState
	queues   map[string]*taskQueue
	inflight *inflightTracker
	actions  map[string]actionFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	fired   bool
	pending int
	// idle is closed while pending is zero.
	idle chan struct{}
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Bus == nil || opts.Runner == nil {
		return nil, errors.New("dispatcher needs a bus and a runner")
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		opts:     opts,
		queues:   make(map[string]*taskQueue, len(opts.Agents)),
		inflight: newInflightTracker(),
		ctx:      ctx,
		cancel:   cancel,
		idle:     make(chan struct{}),
	}
	close(d.idle)
	d.actions = map[string]actionFunc{
		config.ActionExecuteTask:    d.executeTask,
		config.ActionPublishMessage: d.publishMessage,
	}

	for _, spec := range opts.Agents {
		for _, t := range spec.Triggers {
			if _, ok := d.actions[t.Action]; !ok {
				cancel()
				return nil, fmt.Errorf("agent %s: unknown trigger action %q", spec.ID, t.Action)
			}
		}
		d.agents = append(d.agents, &agentState{
			spec:      spec,
			lastState: StateIdle,
			processed: make(map[int64]struct{}),
		})
		d.queues[spec.ID] = newTaskQueue(spec.ID)
	}
	return d, nil
}

// Register announces every agent with an AGENT_LIFECYCLE STARTED event.
func (d *Dispatcher) Register(ctx context.Context) error {
	for _, a := range d.agents {
		topics := make([]string, 0, len(a.spec.Triggers))
		for _, t := range a.spec.Triggers {
			topics = append(topics, t.Topic)
		}
		content, err := bus.NewContent("", map[string]any{
			"event":    LifecycleStarted,
			"agent":    a.spec.ID,
			"role":     a.spec.Role,
			"triggers": topics,
		})
		if err != nil {
			return fmt.Errorf("encode lifecycle: %w", err)
		}
		if _, err := d.opts.Bus.Publish(ctx, bus.Event{
			ClusterID: d.opts.ClusterID,
			Topic:     bus.TopicAgentLifecycle,
			Sender:    a.spec.ID,
			Content:   content,
		}); err != nil {
			return fmt.Errorf("register agent %s: %w", a.spec.ID, err)
		}
	}
	return nil
}

// HandleEvent claims ev for every agent with a matching trigger and queues
// the action. Each (agent, event) pair is claimed at most once.
func (d *Dispatcher) HandleEvent(ev bus.Event) {
	if ev.ClusterID != d.opts.ClusterID {
		return
	}

	for _, a := range d.agents {
		// An agent's own events never retrigger it.
		if ev.Sender == a.spec.ID {
			continue
		}
		for _, t := range a.spec.Triggers {
			if !t.Matches(ev.Topic) {
				continue
			}
			claimed, first := d.claim(a, ev.ID)
			if !claimed {
				break
			}
			if first && d.opts.OnFirstTrigger != nil {
				d.opts.OnFirstTrigger()
			}

			slog.Info("trigger claimed", "cluster", d.opts.ClusterID, "agent", a.spec.ID, "topic", ev.Topic, "event", ev.ID, "action", t.Action)
			q := d.queues[a.spec.ID]
			q.Enqueue(task{trigger: t, event: ev})
			go d.drain(a, q)
			break
		}
	}
}

func (d *Dispatcher) claim(a *agentState, eventID int64) (claimed, first bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false, false
	}
	if _, dup := a.processed[eventID]; dup {
		return false, false
	}
	a.processed[eventID] = struct{}{}
	if d.pending == 0 {
		d.idle = make(chan struct{})
	}
	d.pending++

	if !d.fired {
		d.fired = true
		first = true
	}
	return true, first
}

func (d *Dispatcher) drain(a *agentState, q *taskQueue) {
	for {
		if !q.TryLock() {
			return // Already draining
		}
		for {
			t, ok := q.Dequeue()
			if !ok {
				break
			}
			if !d.isClosed() {
				d.actions[t.trigger.Action](a, t)
			}
			d.taskDone()
		}
		q.Unlock()

		// A task enqueued between the last Dequeue and Unlock would otherwise wait
		// for the next trigger.
		if q.Len() == 0 {
			return
		}
	}
}

func (d *Dispatcher) taskDone() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending--
	if d.pending == 0 {
		close(d.idle)
	}
}

func (d *Dispatcher) executeTask(a *agentState, t task) {
	spec := a.spec
	d.setState(a, StateStarted)
	iteration := d.nextIteration(a)
	d.setState(a, StateTaskStarted)

	if !d.publish(spec.ID, bus.TopicAgentLifecycle, "", map[string]any{
		"event":        LifecycleTaskStarted,
		"agent":        spec.ID,
		"role":         spec.Role,
		"iteration":    iteration,
		"model":        spec.Model,
		"triggeredBy":  t.event.Sender,
		"triggerTopic": t.event.Topic,
	}) {
		d.setState(a, StateIdle)
		return
	}

	result, run, err := d.invoke(a, t, iteration)
	if err != nil {
		if d.isClosed() {
			slog.Info("agent task cancelled", "cluster", d.opts.ClusterID, "agent", spec.ID, "iteration", iteration)
			d.setState(a, StateIdle)
			return
		}
		d.fail(a, iteration, err, run)
		return
	}

	if !d.publish(spec.ID, bus.TopicAgentLifecycle, "", map[string]any{
		"event":     LifecycleTaskCompleted,
		"agent":     spec.ID,
		"role":      spec.Role,
		"iteration": iteration,
	}) {
		d.setState(a, StateIdle)
		return
	}
	d.setState(a, StateTaskCompleted)

	if err := d.complete(a, t, result, iteration); err != nil {
		d.fail(a, iteration, err, agentRun{})
		return
	}
	d.setState(a, StateIdle)
}

// invoke runs the agent and returns its parsed result along with the raw log.
// agentRun is what an invocation left behind for error reporting.
type agentRun struct {
	output  string
	logPath string
}

func (d *Dispatcher) invoke(a *agentState, t task, iteration int) (map[string]any, agentRun, error) {
	spec := a.spec

	res := d.resolver(a, &t.event, iteration)
	prompt, unresolved := res.String(spec.Prompt)
	if len(unresolved) > 0 {
		slog.Warn("unresolved prompt references", "cluster", d.opts.ClusterID, "agent", spec.ID, "refs", unresolved)
	}
	if len(spec.JSONSchema) > 0 && spec.WantsJSON() {
		b, err := json.MarshalIndent(spec.JSONSchema, "", "  ")
		if err != nil {
			return nil, agentRun{}, fmt.Errorf("encode json schema: %w", err)
		}
		prompt += "\n\nRespond with a single JSON object matching this schema:\n" + string(b)
	}

	block := contextbuilder.Build(contextbuilder.Params{
		ID:        spec.ID,
		Role:      spec.Role,
		Iteration: iteration,
		Config:    spec,
		Bus:       d.opts.Bus,
		Cluster:   contextbuilder.Cluster{ID: d.opts.ClusterID, CreatedAt: d.opts.CreatedAt},
		Trigger:   &t.event,
	})

	cmd, args, err := runner.BuildCommand(runner.Invocation{
		Provider:     spec.Provider,
		Model:        spec.Model,
		OutputFormat: spec.OutputFormat,
		JSONSchema:   spec.JSONSchema,
		Prompt:       block + "\n## Task\n\n" + prompt,
		Command:      spec.Command,
	})
	if err != nil {
		return nil, agentRun{}, fmt.Errorf("build command: %w", err)
	}

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = d.opts.DefaultTimeout
	}
	logPath := filepath.Join(d.opts.LogDir, d.opts.ClusterID, fmt.Sprintf("%s-%d.log", spec.ID, iteration))

	ctx, cancel := context.WithCancel(d.ctx)
	defer cancel()
	d.inflight.Set(spec.ID, &invocation{
		AgentID:   spec.ID,
		Iteration: iteration,
		LogPath:   logPath,
		StartedAt: time.Now(),
		cancel:    cancel,
	})
	defer d.inflight.Remove(spec.ID)

	slog.Info("running agent", "cluster", d.opts.ClusterID, "agent", spec.ID, "iteration", iteration, "command", cmd, "log", logPath)
	result, runErr := d.opts.Runner.Run(ctx, runner.Spec{
		ClusterID: d.opts.ClusterID,
		AgentID:   spec.ID,
		Command:   cmd,
		Args:      args,
		Env: map[string]string{
			"CONCLAVE_CLUSTER_ID": d.opts.ClusterID,
			"CONCLAVE_AGENT_ID":   spec.ID,
			"CONCLAVE_ITERATION":  fmt.Sprint(iteration),
			"CONCLAVE_MODEL":      spec.Model,
		},
		Dir:     d.opts.Workdir,
		Timeout: timeout,
		LogPath: logPath,
	})
	if result.LogPath != "" {
		logPath = result.LogPath
	}

	// Results come from the log file, never from live process output.
	output := readLog(logPath)
	run := agentRun{output: output, logPath: logPath}
	if !d.isClosed() {
		d.publishOutput(spec.ID, iteration, output)
	}

	if runErr != nil {
		return nil, run, fmt.Errorf("run agent: %w", runErr)
	}
	if result.ExitCode != 0 {
		return nil, run, fmt.Errorf("agent exited with code %d", result.ExitCode)
	}

	if !spec.WantsJSON() {
		return map[string]any{"text": strings.TrimSpace(output)}, run, nil
	}

	parsed := extract.Extract(output, spec.Provider)
	if parsed == nil {
		return nil, run, errors.New("no parseable JSON output")
	}
	if len(spec.JSONSchema) > 0 {
		if err := schema.Validate(spec.JSONSchema, parsed); err != nil {
			return nil, run, fmt.Errorf("result does not match schema: %w", err)
		}
	}
	return parsed, run, nil
}

func (d *Dispatcher) publishOutput(agentID string, iteration int, output string) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !d.publish(agentID, bus.TopicAgentOutput, line, map[string]any{
			"line":      line,
			"agent":     agentID,
			"iteration": iteration,
		}) {
			return
		}
	}
}

// complete runs the onComplete hook, or publishes the result on the agent's
// default result topic when there is none.
func (d *Dispatcher) complete(a *agentState, t task, result map[string]any, iteration int) error {
	spec := a.spec
	hook := spec.Hooks.OnComplete
	if hook == nil {
		text, _ := result["summary"].(string)
		if text == "" && !spec.WantsJSON() {
			text, _ = result["text"].(string)
		}
		d.publish(spec.ID, spec.ResultTopic(), text, result)
		return nil
	}

	switch hook.Action {
	case config.ActionPublishMessage:
		res := d.resolver(a, &t.event, iteration)
		res.Bindings["result"] = result
		return d.publishConfig(spec.ID, hook.Config, res)
	}
	return fmt.Errorf("unknown onComplete action %q", hook.Action)
}

func (d *Dispatcher) publishMessage(a *agentState, t task) {
	res := d.resolver(a, &t.event, d.iteration(a))
	if err := d.publishConfig(a.spec.ID, t.trigger.Config, res); err != nil {
		slog.Error("publish_message failed", "cluster", d.opts.ClusterID, "agent", a.spec.ID, "error", err)
		d.fail(a, d.iteration(a), err, agentRun{})
	}
}

// publishConfig publishes the event described by a template-resolved
// {topic, content: {text, data}} config.
func (d *Dispatcher) publishConfig(sender string, cfg map[string]any, res *template.Resolver) error {
	resolved, unresolved := res.Value(cfg)
	if len(unresolved) > 0 {
		slog.Warn("unresolved hook references", "cluster", d.opts.ClusterID, "agent", sender, "refs", unresolved)
	}
	m, _ := resolved.(map[string]any)

	topic, _ := m["topic"].(string)
	if topic == "" || strings.Contains(topic, "{{") {
		return fmt.Errorf("publish_message: topic did not resolve to a name (%v)", m["topic"])
	}

	var text string
	var data any
	switch c := m["content"].(type) {
	case string:
		text = c
	case map[string]any:
		switch v := c["text"].(type) {
		case nil:
		case string:
			text = v
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encode content text: %w", err)
			}
			text = string(b)
		}
		data = c["data"]
	}

	d.publish(sender, topic, text, data)
	return nil
}

func (d *Dispatcher) resolver(a *agentState, trigger *bus.Event, iteration int) *template.Resolver {
	return &template.Resolver{
		Events:  d.opts.Bus.Query(bus.Filter{ClusterID: d.opts.ClusterID}),
		Trigger: trigger,
		Bindings: map[string]any{
			"cluster":   map[string]any{"id": d.opts.ClusterID},
			"agent":     map[string]any{"id": a.spec.ID, "role": a.spec.Role},
			"iteration": iteration,
			"message":   trigger.Tree(),
		},
	}
}

// fail publishes AGENT_ERROR. The stack starts with the error message and is
// filled up with the last lines of the agent log.
func (d *Dispatcher) fail(a *agentState, iteration int, err error, run agentRun) {
	spec := a.spec
	d.setState(a, StateError)
	slog.Error("agent task failed", "cluster", d.opts.ClusterID, "agent", spec.ID, "iteration", iteration, "error", err, "log", run.logPath)

	stack := traceLines(err.Error(), maxTraceLines)
	if n := maxTraceLines - len(stack); n > 0 {
		stack = append(stack, tailLines(run.output, n)...)
	}
	data := map[string]any{
		"agent":     spec.ID,
		"role":      spec.Role,
		"iteration": iteration,
		"error":     err.Error(),
		"stack":     stack,
	}
	if run.logPath != "" {
		data["log"] = run.logPath
	}
	if !d.isClosed() {
		d.publish(spec.ID, bus.TopicAgentError, err.Error(), data)
	}
	d.setState(a, StateIdle)
}

// publish writes one event from sender. It reports false when the bus failed
// or the dispatcher was killed.
func (d *Dispatcher) publish(sender, topic, text string, data any) bool {
	if d.isClosed() {
		return false
	}
	content, err := bus.NewContent(text, data)
	if err != nil {
		slog.Error("encode event content", "cluster", d.opts.ClusterID, "topic", topic, "error", err)
		return false
	}
	if _, err := d.opts.Bus.Publish(context.Background(), bus.Event{
		ClusterID: d.opts.ClusterID,
		Topic:     topic,
		Sender:    sender,
		Content:   content,
	}); err != nil {
		slog.Error("publish event failed", "cluster", d.opts.ClusterID, "topic", topic, "error", err)
		if d.opts.OnFatal != nil {
			d.opts.OnFatal(err)
		}
		return false
	}
	return true
}

func (d *Dispatcher) setState(a *agentState, state string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a.lastState = state
}

func (d *Dispatcher) nextIteration(a *agentState) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	a.iteration++
	return a.iteration
}

func (d *Dispatcher) iteration(a *agentState) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return a.iteration
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Agents returns a status snapshot of every agent in config order.
func (d *Dispatcher) Agents() []AgentStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]AgentStatus, 0, len(d.agents))
	for _, a := range d.agents {
		st := AgentStatus{
			ID:        a.spec.ID,
			Role:      a.spec.Role,
			State:     a.lastState,
			Iteration: a.iteration,
			Queued:    d.queues[a.spec.ID].Len(),
		}
		if inv := d.inflight.Get(a.spec.ID); inv != nil {
			started := inv.StartedAt
			st.Running = true
			st.LogPath = inv.LogPath
			st.StartedAt = &started
		}
		out = append(out, st)
	}
	return out
}

// Idle reports whether no claimed trigger is queued or running.
func (d *Dispatcher) Idle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending == 0
}

// Kill stops all further dispatch and cancels every running agent.
func (d *Dispatcher) Kill() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	if ids := d.inflight.CancelAll(); len(ids) > 0 {
		slog.Info("cancelled running agents", "cluster", d.opts.ClusterID, "agents", ids)
	}
	for _, q := range d.queues {
		for range q.Drop() {
			d.taskDone()
		}
	}
}

// Wait blocks until every claimed trigger has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.mu.Lock()
	idle := d.idle
	d.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func readLog(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("read agent log", "path", path, "error", err)
		}
		return ""
	}
	return string(data)
}

// tailLines returns the last n non-blank lines of s.
func tailLines(s string, n int) []string {
	var out []string
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0 && len(out) < n; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			out = append(out, line)
		}
	}
	slices.Reverse(out)
	return out
}

func traceLines(s string, n int) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == n {
			break
		}
	}
	return out
}
