package assistant

import "context"

// AudioPermission is needed by the voice loop.
const AudioPermission = "audio.record"

// CheckStartupPermissions asks once for the permissions the assistant needs
// before the first command: the microphone when voice is set, then the
// reasoning permission. Permissions already granted are not asked again.
func (a *Assistant) CheckStartupPermissions(ctx context.Context, voice bool) map[string]bool {
	wanted := []string{a.reasoningPermission}
	if voice {
		wanted = []string{AudioPermission, a.reasoningPermission}
	}
	out := make(map[string]bool, len(wanted))
	for _, p := range wanted {
		granted := a.gate.Require(ctx, p)
		out[p] = granted
		if granted {
			a.logger.Info("startup permission available", "permission", p)
		} else {
			a.logger.Warn("startup permission denied", "permission", p)
		}
	}
	return out
}
