package middleware

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// defaultConfigResolver passes user config through unchanged and permits
// every operation, except when the user config carries the fixed
// "deny_all" setting.
type defaultConfigResolver struct{}

// SettingDenyAll, when truthy in a user config, rejects every operation.
const SettingDenyAll = "deny_all"

func (defaultConfigResolver) ResolveUserConfig(_ context.Context, _ string, baseConfig UserConfig) (UserConfig, error) {
	if baseConfig == nil {
		return UserConfig{}, nil
	}
	return baseConfig, nil
}

func (defaultConfigResolver) ValidateAgentAccess(_ context.Context, _ string, _ UserConfig, _ ValidationContext) error {
	return nil
}

func (defaultConfigResolver) ValidateOperationConfig(_ context.Context, userConfig UserConfig, op OperationSpec, _ ValidationContext) error {
	if deny, ok := userConfig[SettingDenyAll].(bool); ok && deny {
		return fmt.Errorf("operation %s denied by %s setting", op.OperationType, SettingDenyAll)
	}
	return nil
}

type defaultResourceSharing struct{}

func (defaultResourceSharing) IsSharedWith(_ context.Context, _, ownerID, userID string) (bool, error) {
	return ownerID == userID, nil
}

type defaultTokenService struct{}

func (defaultTokenService) Mint(_ context.Context, userID string, _ map[string]any) (string, error) {
	return userID + ":" + uuid.NewString(), nil
}

func (defaultTokenService) Validate(_ context.Context, token string) (string, map[string]any, error) {
	if token == "" {
		return "", nil, fmt.Errorf("empty token")
	}
	return token, nil, nil
}
