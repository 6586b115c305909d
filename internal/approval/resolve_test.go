package approval_test

import (
	"testing"

	"assistantgw/internal/approval"
	"assistantgw/internal/tool"
	"github.com/stretchr/testify/require"
)

func TestResolveMode_ShellElevatedIsHuman(t *testing.T) {
	cfg := approval.Config{ShellApproval: approval.ModeAi}
	mode, actionType := approval.ResolveMode("shell.execute", tool.RiskMedium, map[string]any{"sandbox_permissions": "require_elevated"}, cfg)
	require.Equal(t, approval.ModeHuman, mode)
	require.Equal(t, "tool.shell.execute.elevated", actionType)
}

func TestResolveMode_ShellInspectIsAlwaysAuto(t *testing.T) {
	cfg := approval.Config{ShellApproval: approval.ModeHuman}
	mode, _ := approval.ResolveMode("shell.inspect", tool.RiskHigh, nil, cfg)
	require.Equal(t, approval.ModeAuto, mode)
}

func TestResolveMode_FilesystemWriteUsesConfig(t *testing.T) {
	cfg := approval.Config{FilesystemWriteApproval: approval.ModeAi}
	mode, actionType := approval.ResolveMode("filesystem.write", tool.RiskLow, nil, cfg)
	require.Equal(t, approval.ModeAi, mode)
	require.Equal(t, "tool.filesystem.write", actionType)
}

func TestResolveMode_LinearMutationIsHuman(t *testing.T) {
	mode, actionType := approval.ResolveMode("linear.project.update", tool.RiskLow, nil, approval.Config{})
	require.Equal(t, approval.ModeHuman, mode)
	require.Equal(t, "tool.linear.project.update", actionType)
}

func TestResolveMode_LinearReadUsesFallback(t *testing.T) {
	mode, _ := approval.ResolveMode("linear.get_project", tool.RiskLow, nil, approval.Config{})
	require.Equal(t, approval.ModeAuto, mode)
}

func TestResolveMode_FallbackByRisk(t *testing.T) {
	mode, _ := approval.ResolveMode("custom.tool", tool.RiskHigh, nil, approval.Config{})
	require.Equal(t, approval.ModeHuman, mode)

	mode, _ = approval.ResolveMode("custom.tool", tool.RiskMedium, nil, approval.Config{})
	require.Equal(t, approval.ModeAi, mode)

	mode, _ = approval.ResolveMode("custom.tool", tool.RiskLow, nil, approval.Config{})
	require.Equal(t, approval.ModeAuto, mode)
}
