package research

import (
	"context"
	"fmt"

	"ragent/internal/tools"
	"ragent/internal/types"
)

func (k *Toolkit) rememberFactTool() *tools.Tool {
	return &tools.Tool{
		Name:        "remember_fact",
		Description: "Remember a durable fact about the user (preferences, context) for future conversations.",
		Category:    tools.CategoryMemory,
		Timeout:     memoryToolTimeout,
		Execute:     k.executeRememberFact,
		Schema: tools.ToolSchema{
			Required: []string{"fact"},
			Properties: map[string]tools.Property{
				"fact": {
					Type:        "string",
					Description: "One self-contained statement about the user",
				},
			},
		},
	}
}

func (k *Toolkit) executeRememberFact(ctx context.Context, args map[string]any) tools.Result {
	id, err := k.deps.Store.AddUserFact(ctx, types.ArgString(args, "fact"))
	if err != nil {
		return tools.Fail(err)
	}
	return tools.OK(fmt.Sprintf("Remembered fact #%d.", id))
}
