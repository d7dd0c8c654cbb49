package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"autofleet/internal/core"
	"autofleet/internal/store"
)

// MCPServer represents the MCP server that handles protocol communication.
type MCPServer struct {
	store      *store.Store
	dispatcher *core.Dispatcher
	trigger    *core.Trigger
	logger     *slog.Logger
	location   *time.Location
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(store *store.Store, dispatcher *core.Dispatcher, trigger *core.Trigger, logger *slog.Logger, location *time.Location) *MCPServer {
	return &MCPServer{
		store:      store,
		dispatcher: dispatcher,
		trigger:    trigger,
		logger:     logger,
		location:   location,
	}
}

// Run starts the MCP server using stdio transport.
func (s *MCPServer) Run() error {
	mcpServer := server.NewMCPServer(
		"autofleet",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)

	s.logger.Info("MCP server starting on stdio")

	return server.ServeStdio(mcpServer)
}

// registerTools registers all available MCP tools.
func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	// fleet_submit_task
	mcpServer.AddTool(mcp.NewTool("fleet_submit_task",
		mcp.WithDescription("Submit a natural-language automation instruction for execution on a device"),
		mcp.WithString("instruction",
			mcp.Required(),
			mcp.Description("The instruction for the device agent, e.g. 'open the weather app and read today's forecast'"),
		),
		mcp.WithString("device",
			mcp.Description("Preferred device id (optional; any idle device is used when omitted or busy)"),
		),
		mcp.WithNumber("max_attempts",
			mcp.Description("Maximum execution attempts before the task is abandoned"),
			mcp.Min(1),
		),
		mcp.WithNumber("timeout_minutes",
			mcp.Description("Per-attempt deadline in minutes"),
			mcp.Min(0),
		),
	), s.handleSubmitTask)

	// fleet_get_task
	mcpServer.AddTool(mcp.NewTool("fleet_get_task",
		mcp.WithDescription("Get the current state of a task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleGetTask)

	// fleet_cancel_task
	mcpServer.AddTool(mcp.NewTool("fleet_cancel_task",
		mcp.WithDescription("Cancel a pending, retrying, or running task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleCancelTask)

	// fleet_list_tasks
	mcpServer.AddTool(mcp.NewTool("fleet_list_tasks",
		mcp.WithDescription("List known tasks and their states"),
		mcp.WithString("state",
			mcp.Description("Filter by state"),
			mcp.Enum("pending", "assigned", "running", "succeeded", "retrying", "abandoned", "failed", "canceled"),
		),
	), s.handleListTasks)

	// fleet_list_devices
	mcpServer.AddTool(mcp.NewTool("fleet_list_devices",
		mcp.WithDescription("List registered devices with status and run statistics"),
	), s.handleListDevices)

	// fleet_add_device
	mcpServer.AddTool(mcp.NewTool("fleet_add_device",
		mcp.WithDescription("Register a device with the pool"),
		mcp.WithString("device_id",
			mcp.Required(),
			mcp.Description("Device serial or identifier"),
		),
	), s.handleAddDevice)

	// fleet_remove_device
	mcpServer.AddTool(mcp.NewTool("fleet_remove_device",
		mcp.WithDescription("Remove a device from the pool"),
		mcp.WithString("device_id",
			mcp.Required(),
			mcp.Description("Device serial or identifier"),
		),
		mcp.WithBoolean("force",
			mcp.Description("Remove even when busy; the interrupted task is failed"),
		),
	), s.handleRemoveDevice)

	// fleet_create_job
	mcpServer.AddTool(mcp.NewTool("fleet_create_job",
		mcp.WithDescription("Create a named job. With a cron schedule (5 or 6 fields) it fires automatically; without one it runs on demand"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Unique job name"),
		),
		mcp.WithString("instruction",
			mcp.Required(),
			mcp.Description("The instruction for the device agent"),
		),
		mcp.WithString("schedule",
			mcp.Description("Cron expression, e.g. '0 9 * * 1-5' for weekdays at 09:00"),
		),
		mcp.WithString("device",
			mcp.Description("Preferred device id"),
		),
		mcp.WithNumber("max_attempts",
			mcp.Description("Maximum execution attempts per firing"),
			mcp.Min(1),
		),
		mcp.WithBoolean("paused",
			mcp.Description("Create the job paused"),
		),
	), s.handleCreateJob)

	// fleet_list_jobs
	mcpServer.AddTool(mcp.NewTool("fleet_list_jobs",
		mcp.WithDescription("List job definitions"),
		mcp.WithString("status",
			mcp.Description("Filter: active or paused"),
			mcp.Enum("active", "paused"),
		),
	), s.handleListJobs)

	// fleet_run_job
	mcpServer.AddTool(mcp.NewTool("fleet_run_job",
		mcp.WithDescription("Fire a job once immediately, regardless of its schedule"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Job name"),
		),
	), s.handleRunJob)

	// fleet_list_runs
	mcpServer.AddTool(mcp.NewTool("fleet_list_runs",
		mcp.WithDescription("Query the run history, newest first"),
		mcp.WithString("task_id",
			mcp.Description("Filter by task"),
		),
		mcp.WithString("job",
			mcp.Description("Filter by job name"),
		),
		mcp.WithString("device",
			mcp.Description("Filter by device"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of records to return, default 20"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleListRuns)

	// fleet_cron_preview
	mcpServer.AddTool(mcp.NewTool("fleet_cron_preview",
		mcp.WithDescription("Preview the upcoming fire times of a cron expression"),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Cron expression"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of fire times to return, default 5"),
			mcp.Min(1),
			mcp.Max(10),
		),
	), s.handleCronPreview)

	// fleet_status
	mcpServer.AddTool(mcp.NewTool("fleet_status",
		mcp.WithDescription("Show queue depth and device utilization"),
	), s.handleStatus)
}

func (s *MCPServer) handleSubmitTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instruction := strings.TrimSpace(mcp.ParseString(request, "instruction", ""))
	if instruction == "" {
		return mcp.NewToolResultError("instruction is required"), nil
	}

	opts := core.SubmitOptions{
		PreferredDevice: mcp.ParseString(request, "device", ""),
		MaxAttempts:     int(mcp.ParseFloat64(request, "max_attempts", 0)),
		Timeout:         time.Duration(mcp.ParseFloat64(request, "timeout_minutes", 0) * float64(time.Minute)),
	}
	taskID, err := s.dispatcher.SubmitAdHoc(instruction, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submit failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task submitted\nID: %s", taskID)), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, ok := s.dispatcher.Task(taskID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ID: %s\n", task.ID)
	if task.JobName != "" {
		fmt.Fprintf(&b, "Job: %s\n", task.JobName)
	}
	fmt.Fprintf(&b, "Instruction: %s\n", task.Instruction)
	fmt.Fprintf(&b, "State: %s\n", task.State)
	fmt.Fprintf(&b, "Attempt: %d/%d\n", task.Attempt, task.MaxAttempts)
	if task.AssignedDevice != "" {
		fmt.Fprintf(&b, "Device: %s\n", task.AssignedDevice)
	}
	fmt.Fprintf(&b, "Created: %s", task.CreatedAt.In(s.location).Format(time.RFC3339))
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleCancelTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if err := s.dispatcher.Cancel(taskID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task canceled: %s", taskID)), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stateFilter := mcp.ParseString(request, "state", "")
	tasks := s.dispatcher.Tasks()

	var b strings.Builder
	count := 0
	for _, t := range tasks {
		if stateFilter != "" && string(t.State) != stateFilter {
			continue
		}
		count++
		fmt.Fprintf(&b, "%s  %-10s  attempt %d/%d  %s\n", t.ID, t.State, t.Attempt, t.MaxAttempts, t.Instruction)
	}
	if count == 0 {
		return mcp.NewToolResultText("no tasks found"), nil
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleListDevices(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	devices := s.dispatcher.Devices()
	if len(devices) == 0 {
		return mcp.NewToolResultText("no devices registered"), nil
	}

	var b strings.Builder
	for _, d := range devices {
		fmt.Fprintf(&b, "%s  %-11s  runs=%d ok=%d failed=%d", d.ID, d.Status, d.TotalRuns, d.Succeeded, d.Failed)
		if d.CurrentTask != "" {
			fmt.Fprintf(&b, "  task=%s", d.CurrentTask)
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleAddDevice(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	deviceID := strings.TrimSpace(mcp.ParseString(request, "device_id", ""))
	if deviceID == "" {
		return mcp.NewToolResultError("device_id is required"), nil
	}
	device, err := s.dispatcher.RegisterDevice(ctx, deviceID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("register failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Device registered: %s (%s)", device.ID, device.Status)), nil
}

func (s *MCPServer) handleRemoveDevice(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	deviceID := mcp.ParseString(request, "device_id", "")
	force := mcp.ParseBoolean(request, "force", false)
	if err := s.dispatcher.DeregisterDevice(deviceID, force); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("remove failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Device removed: %s", deviceID)), nil
}

func (s *MCPServer) handleCreateJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := strings.TrimSpace(mcp.ParseString(request, "name", ""))
	instruction := strings.TrimSpace(mcp.ParseString(request, "instruction", ""))
	if name == "" || instruction == "" {
		return mcp.NewToolResultError("name and instruction are required"), nil
	}
	schedule := strings.TrimSpace(mcp.ParseString(request, "schedule", ""))
	if schedule != "" {
		if _, err := core.ParseSchedule(schedule); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
		}
	}

	status := core.JobStatusActive
	if mcp.ParseBoolean(request, "paused", false) {
		status = core.JobStatusPaused
	}
	now := time.Now().UTC()
	job := &core.JobDefinition{
		Name:            name,
		Instruction:     instruction,
		Schedule:        schedule,
		PreferredDevice: mcp.ParseString(request, "device", ""),
		MaxAttempts:     int(mcp.ParseFloat64(request, "max_attempts", 0)),
		Status:          status,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.InsertJob(ctx, job); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("create job failed: %v", err)), nil
	}
	if err := s.trigger.AddOrUpdateJob(job); err != nil {
		s.logger.Error("schedule job", "job", job.Name, "err", err)
	}

	msg := fmt.Sprintf("Job created: %s", job.Name)
	if next, ok := s.trigger.NextFire(job.Name); ok {
		msg += fmt.Sprintf("\nNext fire: %s", next.In(s.location).Format(time.RFC3339))
	}
	return mcp.NewToolResultText(msg), nil
}

func (s *MCPServer) handleListJobs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var status *core.JobStatus
	if raw := mcp.ParseString(request, "status", ""); raw != "" {
		st := core.JobStatus(raw)
		status = &st
	}
	jobs, err := s.store.ListJobs(ctx, status)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list jobs failed: %v", err)), nil
	}
	if len(jobs) == 0 {
		return mcp.NewToolResultText("no jobs found"), nil
	}

	var b strings.Builder
	for _, job := range jobs {
		fmt.Fprintf(&b, "%s  [%s]", job.Name, job.Status)
		if job.Schedule != "" {
			fmt.Fprintf(&b, "  %q", job.Schedule)
		}
		if next, ok := s.trigger.NextFire(job.Name); ok {
			fmt.Fprintf(&b, "  next=%s", next.In(s.location).Format(time.RFC3339))
		}
		fmt.Fprintf(&b, "\n  %s\n", job.Instruction)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleRunJob(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := mcp.ParseString(request, "name", "")
	job, err := s.store.GetJob(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("job not found: %s", name)), nil
	}
	taskID, err := s.dispatcher.SubmitForJob(job)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Job fired\nTask ID: %s", taskID)), nil
}

func (s *MCPServer) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := core.RunFilter{
		TaskID:   mcp.ParseString(request, "task_id", ""),
		JobName:  mcp.ParseString(request, "job", ""),
		DeviceID: mcp.ParseString(request, "device", ""),
		Limit:    int(mcp.ParseFloat64(request, "limit", 20)),
	}
	records, err := s.dispatcher.Ledger().Query(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query runs failed: %v", err)), nil
	}
	if len(records) == 0 {
		return mcp.NewToolResultText("no runs found"), nil
	}

	var b strings.Builder
	for _, rec := range records {
		outcome := "ok"
		if !rec.Success {
			outcome = "failed"
			if rec.Reason != "" {
				outcome = "failed (" + rec.Reason + ")"
			}
		}
		fmt.Fprintf(&b, "%s  task=%s device=%s attempt=%d  %s  %s\n",
			rec.StartedAt.In(s.location).Format(time.RFC3339), rec.TaskID, rec.DeviceID, rec.Attempt, outcome, rec.Message)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	expr := mcp.ParseString(request, "cron", "")
	schedule, err := core.ParseSchedule(expr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}
	count := int(mcp.ParseFloat64(request, "count", 5))
	if count <= 0 || count > 10 {
		count = 5
	}

	times := core.NextOccurrences(schedule, time.Now().In(s.location), count)
	var b strings.Builder
	fmt.Fprintf(&b, "Next %d fire times for %q:\n", len(times), expr)
	for _, t := range times {
		fmt.Fprintf(&b, "  %s\n", t.In(s.location).Format(time.RFC3339))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats := s.dispatcher.Stats()
	return mcp.NewToolResultText(fmt.Sprintf(
		"pending=%d running=%d retrying=%d\ndevices: idle=%d busy=%d total=%d",
		stats.Pending, stats.Running, stats.Retrying,
		stats.DevicesIdle, stats.DevicesBusy, stats.DevicesTotal)), nil
}
