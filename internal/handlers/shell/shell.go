package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"jobflow/internal/domain"
)

type Shell struct{}

type Cmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

func (h Shell) Handle(ctx context.Context, params json.RawMessage) (domain.Outcome, error) {
	var c Cmd
	if err := json.Unmarshal(params, &c); err != nil {
		return domain.Outcome{}, err
	}
	if c.Command == "" {
		return domain.Outcome{}, fmt.Errorf("command is required")
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("shell error: %v; out=%s", err, string(out))
	}
	result, _ := json.Marshal(map[string]string{"output": string(out)})
	return domain.Outcome{Summary: "command succeeded", Data: result}, nil
}
