package mode

// Default is the mode a session starts in
const Default = "primary"

var (
	readTools = []string{"list_tasks", "list_events"}

	taskWriteTools = []string{
		"create_task", "update_task", "complete_task", "delete_task",
		"bulk_create_tasks", "bulk_update_tasks", "bulk_delete_tasks",
	}

	calendarWriteTools = []string{"create_event", "update_event", "delete_event"}
)

func toolSet(groups ...[]string) map[string]bool {
	set := make(map[string]bool)
	for _, group := range groups {
		for _, name := range group {
			set[name] = true
		}
	}
	return set
}

func temperature(v float64) *float64 { return &v }

func builtinModes() []Mode {
	primary := toolSet(readTools, taskWriteTools, calendarWriteTools, []string{"switch_mode", DelegationTool})

	collector := toolSet(readTools, []string{"switch_mode"})
	collector[DelegationTool] = false

	planner := toolSet(readTools, []string{"switch_mode"})
	planner[DelegationTool] = false

	calendar := toolSet([]string{"list_events"}, calendarWriteTools, []string{"switch_mode"})

	executor := toolSet(readTools, taskWriteTools, calendarWriteTools)

	return []Mode{
		{
			Name:        "primary",
			Type:        TypePrimary,
			Description: "General assistant with every task and calendar tool, able to delegate to other modes.",
			Tools:       primary,
		},
		{
			Name:        "planner",
			Type:        TypeSubagent,
			Description: "Breaks a goal into an ordered plan of tasks without changing anything.",
			Tools:       planner,
			Temperature: temperature(0.2),
			Prompt:      "You are planning. Read the current tasks and events, then propose a concrete ordered plan. Do not create or modify anything.",
		},
		{
			Name:        "information-collector",
			Type:        TypeSubagent,
			Description: "Gathers facts from existing tasks and events before any decision is made.",
			Tools:       collector,
			Temperature: temperature(0.1),
			Prompt:      "Collect the information the user needs from existing tasks and events. Only read; never write.",
		},
		{
			Name:        "calendar-manager",
			Type:        TypeSubagent,
			Description: "Creates, moves and removes calendar events.",
			Tools:       calendar,
			Prompt:      "You manage the calendar. Check for conflicts with list_events before creating or moving events.",
		},
		{
			Name:        "executor",
			Type:        TypeWorkflowStep,
			Description: "Carries out an agreed plan by creating and updating tasks and events.",
			Tools:       executor,
			Temperature: temperature(0),
			Prompt:      "Execute the agreed plan exactly. Prefer bulk tools when changing several tasks.",
		},
	}
}

func builtinWorkflows() map[string][]string {
	return map[string][]string{
		"plan-and-execute": {"information-collector", "planner", "executor"},
	}
}
