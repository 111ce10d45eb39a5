// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

package linking

import "strings"

// runPipeline executes the post-connection action sequence exactly
// once per session. Steps are best-effort and independent — a failed
// group join does not stop credential delivery — but the final
// self-termination is unconditional: a session that reached connected
// always ends terminated, and never outlives the final delay.
func (c *controller) runPipeline(handle Handle) {
	settings := c.registry.settings
	defer c.registry.Terminate(c.session.id)

	if c.wait(settings.PipelineSettle) != nil {
		return
	}

	if settings.GroupInvite != "" {
		if err := handle.JoinGroup(c.ctx, settings.GroupInvite); err != nil {
			c.logger.Warn("group join failed", "error", err)
		} else {
			c.logger.Info("group joined")
			c.publish(Event{Kind: EventAction, Action: ActionGroupJoined})
		}
	}
	if c.ctx.Err() != nil {
		return
	}

	if settings.ChannelJID != "" {
		if err := handle.FollowChannel(c.ctx, settings.ChannelJID); err != nil {
			c.logger.Warn("channel follow failed", "error", err)
		} else {
			c.logger.Info("channel followed")
			c.publish(Event{Kind: EventAction, Action: ActionChannelFollowed})
		}
	}
	if c.ctx.Err() != nil {
		return
	}

	c.deliverCredentials(handle)

	// Final settle before teardown so the credential messages flush
	// through the handle.
	_ = c.wait(settings.FinalDelay)
}

// deliverCredentials sends the captured blob to the linked account's
// own chat, then a confirmation quoting it. This is the one pipeline
// step whose failure is surfaced to subscribers distinctly.
func (c *controller) deliverCredentials(handle Handle) {
	settings := c.registry.settings

	self := SelfJID(handle.UserID())
	if self == "" {
		c.logger.Error("no linked identity for credential delivery")
		c.publish(Event{
			Kind:   EventAction,
			Action: ActionCredentialsFailed,
			Error:  "no linked identity",
		})
		return
	}

	c.mu.Lock()
	creds := c.session.credentials
	c.mu.Unlock()

	text := strings.TrimSpace(settings.CredentialPrefix + creds)
	ref, err := handle.SendMessage(c.ctx, self, text, nil)
	if err != nil {
		c.logger.Error("credential message failed", "error", err)
		c.publish(Event{
			Kind:   EventAction,
			Action: ActionCredentialsFailed,
			Error:  err.Error(),
		})
		return
	}

	if c.wait(settings.MessageGap) != nil {
		return
	}

	if settings.Confirmation != "" {
		if _, err := handle.SendMessage(c.ctx, self, settings.Confirmation, ref); err != nil {
			c.logger.Error("confirmation message failed", "error", err)
			c.publish(Event{
				Kind:   EventAction,
				Action: ActionCredentialsFailed,
				Error:  err.Error(),
			})
			return
		}
	}

	c.logger.Info("credentials delivered", "to", self)
	c.publish(Event{Kind: EventAction, Action: ActionCredentialsSent})
}
