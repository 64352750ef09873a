// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/efchatnet/efdm/backend/keystore"
	"github.com/efchatnet/efdm/backend/logging"
	"github.com/efchatnet/efdm/backend/messaging"
	"github.com/efchatnet/efdm/backend/models"
)

var errUsage = errors.New("usage")

const usage = `usage: dmctl [flags] <command> [args]

commands:
  keys                          create or show your key pair
  conversations                 list your conversations
  send <peer> <text>            send a message
  attach <peer> <file> [text]   upload a file and send it with a caption
  history <peer>                print the decrypted conversation
  watch <peer>                  follow the conversation; stdin lines are sent, EOF stops
  edit <peer> <id> <text>       replace one of your messages
  delete <id>                   delete one of your messages
  react <id> <emoji>            toggle a reaction
`

// Remote is everything dmctl needs from the server.
type Remote interface {
	messaging.MessageLog
	messaging.ReactionLog
	messaging.TypingPublisher
	messaging.AttachmentUploader
	keystore.Directory
	ListConversations(ctx context.Context) ([]models.Conversation, error)
}

type App struct {
	me        string
	remote    Remote
	keys      *keystore.Store
	pipeline  *messaging.Pipeline
	sender    *messaging.Sender
	reactions *messaging.Reactions
	log       logging.Logger

	in  io.Reader
	out io.Writer
}

func NewApp(me string, remote Remote, vault keystore.Vault, log logging.Logger, in io.Reader, out io.Writer) *App {
	keys := keystore.NewStore(vault, remote, log)
	return &App{
		me:        me,
		remote:    remote,
		keys:      keys,
		pipeline:  messaging.NewPipeline(remote, keys, me, log),
		sender:    messaging.NewSender(remote, keys, me, log).WithUploader(remote),
		reactions: messaging.NewReactions(remote, me),
		log:       log,
		in:        in,
		out:       out,
	}
}

// Run executes one command. Pending read receipts are flushed before it
// returns.
func (a *App) Run(ctx context.Context, args []string) error {
	defer a.pipeline.Wait()

	if len(args) == 0 {
		return errUsage
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "keys":
		return a.cmdKeys(ctx)
	case "conversations":
		return a.cmdConversations(ctx)
	case "send":
		if len(args) < 2 {
			return errUsage
		}
		return a.cmdSend(ctx, args[0], strings.Join(args[1:], " "))
	case "attach":
		if len(args) < 2 {
			return errUsage
		}
		return a.cmdAttach(ctx, args[0], args[1], strings.Join(args[2:], " "))
	case "history":
		if len(args) != 1 {
			return errUsage
		}
		return a.cmdHistory(ctx, args[0])
	case "watch":
		if len(args) != 1 {
			return errUsage
		}
		return a.cmdWatch(ctx, args[0])
	case "edit":
		if len(args) < 3 {
			return errUsage
		}
		return a.sender.Edit(ctx, args[1], args[0], strings.Join(args[2:], " "))
	case "delete":
		if len(args) != 1 {
			return errUsage
		}
		return a.sender.Delete(ctx, args[0])
	case "react":
		if len(args) != 2 {
			return errUsage
		}
		return a.cmdReact(ctx, args[0], args[1])
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func (a *App) cmdKeys(ctx context.Context) error {
	pub, err := a.keys.GetOrCreateKeys(ctx, a.me)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "user:       %s\npublic key: %s\n", a.me, base64.StdEncoding.EncodeToString(pub[:]))
	return nil
}

func (a *App) cmdConversations(ctx context.Context) error {
	convs, err := a.remote.ListConversations(ctx)
	if err != nil {
		return err
	}
	for _, c := range convs {
		fmt.Fprintf(a.out, "%s  %-20s  %s\n", c.ID, c.PeerOf(a.me), c.UpdatedAt.Local().Format(time.DateTime))
	}
	return nil
}

// open makes sure our key is published, then returns the conversation.
func (a *App) open(ctx context.Context, peer string) (*models.Conversation, error) {
	if _, err := a.keys.GetOrCreateKeys(ctx, a.me); err != nil {
		return nil, err
	}
	return a.remote.OpenConversation(ctx, peer)
}

func (a *App) cmdSend(ctx context.Context, peer, text string) error {
	conv, err := a.open(ctx, peer)
	if err != nil {
		return err
	}
	id, err := a.sender.Send(ctx, conv.ID, peer, text)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, id)
	return nil
}

func (a *App) cmdAttach(ctx context.Context, peer, path, caption string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	messageType := models.MessageTypeFile
	if strings.HasPrefix(contentType, "image/") {
		messageType = models.MessageTypeImage
	}

	conv, err := a.open(ctx, peer)
	if err != nil {
		return err
	}
	id, err := a.sender.SendAttachment(ctx, conv.ID, peer, caption, data, contentType, messageType)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, id)
	return nil
}

func (a *App) cmdHistory(ctx context.Context, peer string) error {
	conv, err := a.open(ctx, peer)
	if err != nil {
		return err
	}
	msgs, err := a.pipeline.Render(ctx, conv.ID, peer)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		a.printMessage(m)
	}
	return nil
}

func (a *App) cmdReact(ctx context.Context, messageID, emoji string) error {
	if _, err := a.reactions.Toggle(ctx, messageID, emoji); err != nil {
		return err
	}
	summary, err := a.reactions.Summary(ctx, messageID)
	if err != nil {
		return err
	}
	var parts []string
	for _, rc := range summary {
		mark := ""
		if rc.Mine {
			mark = "*"
		}
		parts = append(parts, fmt.Sprintf("%s%d%s", rc.Emoji, rc.Count, mark))
	}
	fmt.Fprintln(a.out, strings.Join(parts, " "))
	return nil
}

func (a *App) cmdWatch(ctx context.Context, peer string) error {
	conv, err := a.open(ctx, peer)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	view, err := messaging.OpenView(ctx, messaging.ViewConfig{
		ConversationID: conv.ID,
		PeerID:         peer,
		Log:            a.remote,
		Pipeline:       a.pipeline,
		Sender:         a.sender,
		Typing:         a.remote,
		Logger:         a.log,
	})
	if err != nil {
		return err
	}
	defer view.Close()

	go func() {
		defer cancel()
		scanner := bufio.NewScanner(a.in)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			view.Keystroke()
			if line == "" {
				continue
			}
			if _, err := view.Send(ctx, line); err != nil {
				fmt.Fprintf(a.out, "! send failed: %v\n", err)
			}
		}
	}()

	shown := newTranscript()
	typing := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-view.Updates():
			if !ok {
				if ctx.Err() != nil || shown.lastErr == nil {
					return nil
				}
				return fmt.Errorf("watch %s: %w", peer, shown.lastErr)
			}
			if snap.Err != nil {
				shown.lastErr = snap.Err
				fmt.Fprintf(a.out, "! %v\n", snap.Err)
			}
			for _, m := range shown.changed(snap.Messages) {
				a.printMessage(m)
			}
			if snap.PeerTyping != typing {
				typing = snap.PeerTyping
				if typing {
					fmt.Fprintf(a.out, "  %s is typing...\n", peer)
				}
			}
		}
	}
}

// transcript remembers what watch has printed. A message is printed again
// when it is edited or deleted.
type transcript struct {
	shown   map[string]printedState
	lastErr error
}

type printedState struct {
	editedAt time.Time
	deleted  bool
}

func newTranscript() *transcript {
	return &transcript{shown: make(map[string]printedState)}
}

func (t *transcript) changed(msgs []models.DecryptedMessage) []models.DecryptedMessage {
	var out []models.DecryptedMessage
	for _, m := range msgs {
		cur := printedState{deleted: m.IsDeleted}
		if m.EditedAt != nil {
			cur.editedAt = *m.EditedAt
		}
		prev, ok := t.shown[m.ID]
		if ok && prev.deleted == cur.deleted && prev.editedAt.Equal(cur.editedAt) {
			continue
		}
		t.shown[m.ID] = cur
		out = append(out, m)
	}
	return out
}

func (a *App) printMessage(m models.DecryptedMessage) {
	who := m.SenderID
	if m.IsMine {
		who = "me"
	}
	var flags []string
	if m.EditedAt != nil {
		flags = append(flags, "edited")
	}
	if m.IsMine && m.ReadAt != nil {
		flags = append(flags, "read")
	}
	suffix := ""
	if len(flags) > 0 {
		suffix = " (" + strings.Join(flags, ", ") + ")"
	}
	text := m.Plaintext
	if m.AttachmentRef != nil {
		text += " [" + *m.AttachmentRef + "]"
	}
	fmt.Fprintf(a.out, "[%s] %s %s: %s%s\n", m.CreatedAt.Local().Format(time.TimeOnly), m.ID, who, text, suffix)
}
