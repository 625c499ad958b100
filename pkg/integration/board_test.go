package integration

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/tempo/pkg/batch"
)

func TestBoardSyncResolvesTempIDs(t *testing.T) {
	board := NewBoard()
	pipeline := batch.NewPipeline(board, 0, zerolog.Nop())

	cmds := batch.BuildProjectCommands([]batch.ProjectInput{{Name: "Move", TempID: "p1"}})
	cmds = append(cmds, batch.BuildCreateCommands([]batch.TaskInput{
		{Content: "Book van", ProjectTempID: "p1", TempID: "t1", Priority: 4},
		{Content: "Pack kitchen", ProjectTempID: "p1"},
	})...)

	result, err := pipeline.ExecuteBatch(context.Background(), cmds)
	require.NoError(t, err)
	require.True(t, result.OK())

	projectID := result.TempIDMapping["p1"]
	require.NotEmpty(t, projectID)

	tasks := board.ListTasks(TaskFilter{ProjectID: projectID})
	require.Len(t, tasks, 2)
	assert.Equal(t, "Book van", tasks[0].Content)
	assert.Equal(t, 4, tasks[0].Priority)
	assert.Equal(t, result.TempIDMapping["t1"], tasks[0].ID)
}

func TestBoardSyncPartialFailure(t *testing.T) {
	board := NewBoard()
	pipeline := batch.NewPipeline(board, 0, zerolog.Nop())
	ctx := context.Background()

	created, err := pipeline.ExecuteBatch(ctx, batch.BuildCreateCommands([]batch.TaskInput{{Content: "a"}}))
	require.NoError(t, err)
	id := created.Successful[0].ID

	result, err := pipeline.ExecuteBatch(ctx, batch.BuildCloseCommands([]string{id, "missing"}))
	require.NoError(t, err)
	assert.Len(t, result.Successful, 1)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, ErrNotFound.Error(), result.Failed[0].Error)

	assert.Empty(t, board.ListTasks(TaskFilter{}))
	assert.Len(t, board.ListTasks(TaskFilter{IncludeCompleted: true}), 1)
}

func TestBoardFailHook(t *testing.T) {
	board := NewBoard()
	board.Fail = func(cmd batch.Command) string {
		if cmd.Args["content"] == "bad" {
			return "rejected"
		}
		return ""
	}
	pipeline := batch.NewPipeline(board, 0, zerolog.Nop())

	result, err := pipeline.ExecuteBatch(context.Background(), batch.BuildCreateCommands([]batch.TaskInput{
		{Content: "good"}, {Content: "bad"},
	}))
	require.NoError(t, err)
	assert.Len(t, result.Successful, 1)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "rejected", result.Failed[0].Error)
}

func TestBoardExecuteCalendar(t *testing.T) {
	board := NewBoard()
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	out, err := board.Execute(ctx, OpCalendarCreate, map[string]interface{}{
		"title": "Standup",
		"start": start.Format(time.RFC3339),
		"end":   start.Add(15 * time.Minute).Format(time.RFC3339),
	})
	require.NoError(t, err)
	event := out.(*Event)
	assert.Equal(t, "Standup", event.Title)

	out, err = board.Execute(ctx, OpCalendarUpdate, map[string]interface{}{"id": event.ID, "location": "Room 4"})
	require.NoError(t, err)
	assert.Equal(t, "Room 4", out.(*Event).Location)

	out, err = board.Execute(ctx, OpCalendarList, map[string]interface{}{
		"from": start.Add(-time.Hour).Format(time.RFC3339),
		"to":   start.Add(time.Hour).Format(time.RFC3339),
	})
	require.NoError(t, err)
	assert.Len(t, out.([]Event), 1)

	out, err = board.Execute(ctx, OpCalendarList, map[string]interface{}{
		"from": start.Add(24 * time.Hour).Format(time.RFC3339),
	})
	require.NoError(t, err)
	assert.Empty(t, out.([]Event))

	_, err = board.Execute(ctx, OpCalendarDelete, map[string]interface{}{"id": event.ID})
	require.NoError(t, err)
	_, err = board.Execute(ctx, OpCalendarDelete, map[string]interface{}{"id": event.ID})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoardExecuteErrors(t *testing.T) {
	board := NewBoard()
	ctx := context.Background()

	_, err := board.Execute(ctx, "tasks.explode", nil)
	assert.ErrorIs(t, err, ErrUnknownOperation)

	_, err = board.Execute(ctx, OpCalendarCreate, map[string]interface{}{"title": "No times"})
	assert.Error(t, err)

	_, err = board.Execute(ctx, OpCalendarDelete, map[string]interface{}{})
	assert.Error(t, err)
}
