package models_test

import (
	"testing"

	"github.com/huanz1234/felix-lml-chat/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestNewMessage(t *testing.T) {
	first := models.NewMessage(models.RoleUser, "hello")
	second := models.NewMessage(models.RoleAssistant, "")

	assert.Equal(t, models.RoleUser, first.Role)
	assert.Equal(t, "hello", first.Content)
	assert.Equal(t, models.ZeroSpeed, first.Speed)
	assert.Zero(t, first.CompletionTokens)
	assert.False(t, first.Loading)
	assert.False(t, first.Timestamp.IsZero())

	assert.NotEqual(t, first.ID, second.ID)
	assert.Less(t, first.ID, second.ID, "ids should sort by creation time")
}

func TestRoleValid(t *testing.T) {
	tests := []struct {
		role models.Role
		want bool
	}{
		{models.RoleUser, true},
		{models.RoleAssistant, true},
		{models.RoleSystem, true},
		{models.Role("tool"), false},
		{models.Role(""), false},
	}
	for _, tt := range tests {
		if got := tt.role.Valid(); got != tt.want {
			t.Errorf("Role(%q).Valid() = %v, want %v", tt.role, got, tt.want)
		}
	}
}
