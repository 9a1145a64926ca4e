package usecase

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/satriahrh/voxlink/domain/entities"
	"github.com/satriahrh/voxlink/internal/dynamic"
	"github.com/satriahrh/voxlink/internal/signalr"
	"github.com/satriahrh/voxlink/internal/voxta"
)

// onReceive decodes one ReceiveMessage push and routes it to its handler.
// Malformed and unknown pushes are logged and dropped.
func (c *Client) onReceive(hub *signalr.HubConnection, args []dynamic.Value) {
	if !c.isCurrent(hub) {
		return
	}
	if len(args) == 0 {
		c.logger.Warn("Received push without payload")
		return
	}

	resp, err := voxta.Decode(args[0])
	if err != nil {
		var unknown *voxta.UnknownTypeError
		if errors.As(err, &unknown) {
			c.logger.Warn("Unknown message type", zap.String("type", unknown.Type))
			return
		}
		c.logger.Error("Failed to decode server message", zap.Error(err))
		return
	}

	switch r := resp.(type) {
	case voxta.Welcome:
		c.handleWelcome(hub, r)
	case voxta.CharactersListLoaded:
		c.handleCharactersListLoaded(r)
	case voxta.ChatStarted:
		c.handleChatStarted(hub, r)
	case voxta.ReplyStart:
		c.handleReplyStart(r)
	case voxta.ReplyChunk:
		c.handleReplyChunk(r)
	case voxta.ReplyEnd:
		c.handleReplyEnd(r)
	case voxta.ReplyCancelled:
		c.handleReplyCancelled(r)
	case voxta.ChatUpdate:
		c.handleChatUpdate(r)
	case voxta.SpeechTranscription:
		c.handleSpeechTranscription(r)
	case voxta.ServerError:
		c.logger.Error("Voxta server error", zap.String("message", r.Message), zap.String("details", r.Details))
		c.broadcast(ErrorEvent{Message: r.Message, Details: r.Details})
	case voxta.ChatSessionError:
		c.handleChatSessionError(r)
	case voxta.ContextUpdated:
		c.handleContextUpdated(r)
	case voxta.ChatClosed:
		c.handleChatClosed(r)
	case voxta.Configuration:
		c.broadcast(ConfigurationEvent{Raw: r.Raw})
	case voxta.Ignored:
		c.logger.Debug("Ignoring server message", zap.String("type", r.Type))
	default:
		c.logger.Warn("Unhandled server message", zap.String("type", resp.ResponseType()))
	}
}

func (c *Client) handleWelcome(hub *signalr.HubConnection, r voxta.Welcome) {
	c.mu.Lock()
	c.user = r.User
	c.mu.Unlock()

	c.logger.Info("Authenticated with Voxta",
		zap.String("userID", r.User.ID),
		zap.String("serverVersion", r.ServerVersion))

	if !c.moveFrom(entities.StateAuthenticated, entities.StateAttemptingToConnect) {
		c.logger.Warn("Unexpected welcome", zap.Stringer("state", c.GetCurrentState()))
		return
	}

	call, err := hub.Invoke(voxta.SendTarget, voxta.LoadCharactersList())
	if err != nil {
		c.logger.Error("Failed to request character list", zap.Error(err))
		return
	}
	call.Then(func(_ dynamic.Value, err error) {
		if err != nil {
			c.logger.Error("Character list request failed", zap.Error(err))
		}
	})
}

func (c *Client) handleCharactersListLoaded(r voxta.CharactersListLoaded) {
	c.mu.Lock()
	c.characters = append([]entities.Character(nil), r.Characters...)
	c.mu.Unlock()

	c.logger.Info("Characters loaded", zap.Int("count", len(r.Characters)))
	c.broadcast(CharactersLoadedEvent{Characters: r.Characters})
	c.moveFrom(entities.StateIdle, entities.StateAuthenticated)
}

func (c *Client) handleChatStarted(hub *signalr.HubConnection, r voxta.ChatStarted) {
	if state := c.GetCurrentState(); state != entities.StateStartingChat {
		c.logger.Warn("Unexpected chat start",
			zap.String("sessionID", r.SessionID),
			zap.Stringer("state", state))
		return
	}

	if missing := entities.MissingServices(r.Services, entities.RequiredServices...); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, s := range missing {
			names[i] = string(s)
		}
		c.logger.Error("Chat started without required services",
			zap.String("sessionID", r.SessionID),
			zap.Strings("missing", names),
			zap.Error(ErrMissingServices))
		c.broadcast(ErrorEvent{
			SessionID: r.SessionID,
			Message:   ErrMissingServices.Error(),
			Details:   strings.Join(names, ", "),
			Hint:      HintStopChat,
		})
		if err := hub.Send(voxta.SendTarget, voxta.StopChat(r.SessionID)); err != nil {
			c.logger.Warn("Failed to stop rejected chat", zap.String("sessionID", r.SessionID), zap.Error(err))
		}
		return
	}

	c.mu.Lock()
	user := r.User
	if user.ID == "" {
		user = c.user
	}
	characterIDs := make([]string, len(r.Characters))
	for i, ch := range r.Characters {
		characterIDs[i] = ch.ID
	}
	session := entities.NewChatSession(r.ChatID, r.SessionID, user, characterIDs, r.Services)
	session.SetContext(r.Context)

	prev := c.state
	c.session = session
	c.state = entities.StateGeneratingReply
	var input AudioInput
	var inputCtx context.Context
	if c.newInput != nil {
		input = c.newInput()
		c.input = input
		inputCtx, c.inputCancel = context.WithCancel(context.Background())
	}
	c.mu.Unlock()

	c.logger.Info("Chat started",
		zap.String("chatID", r.ChatID),
		zap.String("sessionID", r.SessionID),
		zap.Strings("characterIDs", characterIDs))
	c.announce(prev, entities.StateGeneratingReply)
	c.broadcast(ChatStartedEvent{ChatID: r.ChatID, SessionID: r.SessionID, CharacterIDs: characterIDs})

	if input != nil {
		go c.startInput(inputCtx, input, r.SessionID)
	}
}

// startInput starts the microphone stream for sessionID. A stream that comes
// up after its chat has ended is stopped again.
func (c *Client) startInput(ctx context.Context, input AudioInput, sessionID string) {
	if err := input.Start(ctx, sessionID); err != nil {
		if ctx.Err() == nil {
			c.logger.Error("Failed to start audio input", zap.String("sessionID", sessionID), zap.Error(err))
		}
		return
	}
	if ctx.Err() != nil {
		c.logger.Debug("Chat ended while audio input was starting", zap.String("sessionID", sessionID))
		if err := input.Stop(); err != nil {
			c.logger.Warn("Error stopping audio input", zap.Error(err))
		}
	}
}

// activeSession returns the session a push belongs to, or nil if it is for
// another session.
func (c *Client) activeSession(sessionID string) *entities.ChatSession {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session == nil || (sessionID != "" && session.SessionID != sessionID) {
		c.logger.Debug("Dropping message for inactive session", zap.String("sessionID", sessionID))
		return nil
	}
	return session
}

func (c *Client) handleReplyStart(r voxta.ReplyStart) {
	session := c.activeSession(r.SessionID)
	if session == nil {
		return
	}
	msg, err := session.StartMessage(r.MessageID, r.SenderID, entities.MessageRoleCharacter)
	if err != nil {
		c.logger.Warn("Cannot start reply", zap.String("messageID", r.MessageID), zap.Error(err))
		return
	}
	c.broadcast(ChatMessageEvent{Change: MessageStarted, Message: msg})
	c.moveFrom(entities.StateGeneratingReply, entities.StateWaitingForUserResponse)
}

func (c *Client) handleReplyChunk(r voxta.ReplyChunk) {
	session := c.activeSession(r.SessionID)
	if session == nil {
		return
	}
	msg, err := session.AppendChunk(r.MessageID, r.Text, r.AudioURL)
	if err != nil {
		c.logger.Warn("Cannot append reply chunk", zap.String("messageID", r.MessageID), zap.Error(err))
		return
	}
	c.logger.Debug("Reply chunk received",
		zap.String("messageID", r.MessageID),
		zap.Int("startIndex", r.StartIndex),
		c.opts.Censor.String("text", r.Text))
	c.broadcast(ChatMessageEvent{Change: MessageUpdated, Message: msg})
}

func (c *Client) handleReplyEnd(r voxta.ReplyEnd) {
	session := c.activeSession(r.SessionID)
	if session == nil {
		return
	}
	msg, err := session.FinalizeMessage(r.MessageID)
	if err != nil {
		c.logger.Warn("Cannot finalize reply", zap.String("messageID", r.MessageID), zap.Error(err))
		return
	}

	c.logger.Info("Reply finished",
		zap.String("messageID", msg.ID),
		zap.Int("audioChunks", len(msg.AudioURLs)),
		c.opts.Censor.String("text", msg.Text))
	c.broadcast(ChatMessageEvent{Change: MessageFinalized, Message: msg})
	c.persist(session, msg)
	c.moveFrom(entities.StateAudioPlayback, entities.StateGeneratingReply)

	c.mu.Lock()
	player := c.playback
	c.mu.Unlock()
	if player != nil {
		urls := make([]string, len(msg.AudioURLs))
		for i, u := range msg.AudioURLs {
			urls[i] = c.audioURL(u)
		}
		player.Enqueue(msg.ID, urls)
	}
}

func (c *Client) handleReplyCancelled(r voxta.ReplyCancelled) {
	session := c.activeSession(r.SessionID)
	if session == nil {
		return
	}
	if session.RemoveMessage(r.MessageID) {
		c.broadcast(ChatMessageEvent{Change: MessageRemoved, Message: entities.ChatMessage{ID: r.MessageID}})
	}
	c.logger.Info("Reply cancelled", zap.String("messageID", r.MessageID))
	c.moveFrom(entities.StateWaitingForUserResponse, entities.StateGeneratingReply)
}

func (c *Client) handleChatUpdate(r voxta.ChatUpdate) {
	session := c.activeSession(r.SessionID)
	if session == nil {
		return
	}
	_, existed := session.Message(r.MessageID)
	msg := session.UpsertMessage(r.MessageID, r.SenderID, r.Role, r.Text)

	c.logger.Debug("Chat message updated",
		zap.String("messageID", msg.ID),
		zap.String("role", string(msg.Role)),
		c.opts.Censor.String("text", msg.Text))
	c.broadcast(ChatMessageEvent{Change: MessageUpdated, Message: msg})
	if !existed {
		c.persist(session, msg)
	}
}

func (c *Client) handleSpeechTranscription(r voxta.SpeechTranscription) {
	switch r.Kind {
	case voxta.TranscriptionPartial:
		c.broadcast(TranscriptionEvent{Text: r.Text})
	case voxta.TranscriptionEnd:
		if state := c.GetCurrentState(); state != entities.StateWaitingForUserResponse {
			c.logger.Warn("Ignoring finished transcription",
				zap.Stringer("state", state),
				c.opts.Censor.String("text", r.Text))
			return
		}
		c.broadcast(TranscriptionEvent{Text: r.Text, Final: true})
		if err := c.SendUserInput(r.Text, true, false); err != nil {
			c.logger.Error("Failed to send transcription", zap.Error(err))
		}
	case voxta.TranscriptionCancelled:
		c.logger.Info("Speech recognition cancelled by server")
		c.broadcast(TranscriptionCancelledEvent{})
	}
}

func (c *Client) handleChatSessionError(r voxta.ChatSessionError) {
	c.logger.Error("Chat session error",
		zap.String("sessionID", r.SessionID),
		zap.String("message", r.Message),
		zap.String("details", r.Details),
		zap.Bool("retry", r.Retry))
	c.broadcast(ErrorEvent{SessionID: r.SessionID, Message: r.Message, Details: r.Details, Retry: r.Retry})

	if !r.Retry && c.activeSession(r.SessionID) != nil {
		c.moveFrom(entities.StateWaitingForUserResponse, entities.StateGeneratingReply)
	}
}

func (c *Client) handleContextUpdated(r voxta.ContextUpdated) {
	session := c.activeSession(r.SessionID)
	if session == nil {
		return
	}
	session.SetContext(r.Context)
	c.broadcast(ContextUpdatedEvent{SessionID: r.SessionID, Context: r.Context})
}

func (c *Client) handleChatClosed(r voxta.ChatClosed) {
	if c.activeSession(r.SessionID) == nil {
		return
	}
	c.logger.Info("Chat closed by server", zap.String("chatID", r.ChatID), zap.String("sessionID", r.SessionID))
	c.endChat()
	c.broadcast(ChatClosedEvent{ChatID: r.ChatID, SessionID: r.SessionID})
	c.moveFrom(entities.StateIdle,
		entities.StateGeneratingReply,
		entities.StateAudioPlayback,
		entities.StateWaitingForUserResponse)
}
