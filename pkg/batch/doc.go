// Package batch turns bulk task operations into sync commands and joins the
// per-command status map of a sync response back onto the submitted batch.
//
// Creations get a temp id so later commands in the same batch can refer to a
// resource that does not exist yet:
//
//	cmds := batch.BuildProjectCommands([]batch.ProjectInput{{Name: "Move", TempID: "p1"}})
//	cmds = append(cmds, batch.BuildCreateCommands([]batch.TaskInput{
//		{Content: "Book van", ProjectTempID: "p1"},
//	})...)
//	result, err := pipeline.ExecuteBatch(ctx, cmds)
package batch
