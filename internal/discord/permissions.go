package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker decides who may move the bot between voice channels.
type PermissionChecker struct {
	roleID string
}

// NewPermissionChecker creates a PermissionChecker requiring roleID.
func NewPermissionChecker(roleID string) *PermissionChecker {
	return &PermissionChecker{roleID: roleID}
}

// Allowed reports whether member may control the bot. With no role
// configured everyone may; a nil member (direct messages) never may.
func (p *PermissionChecker) Allowed(member *discordgo.Member) bool {
	if p == nil || p.roleID == "" {
		return true
	}
	if member == nil {
		return false
	}
	return slices.Contains(member.Roles, p.roleID)
}
