// Package ui defines what the chat core expects from a frontend.
package ui

import (
	"context"

	"lanchat/internal/models"
	"lanchat/internal/transfer"
)

// UserInterface is implemented by every frontend. Methods may be called from
// network goroutines and must not block, except AskFileSave which blocks
// until the user answers or ctx ends.
type UserInterface interface {
	// AskFileSave asks whether to accept an offered file. Returning false or
	// letting ctx expire rejects it.
	AskFileSave(ctx context.Context, t *transfer.Transfer) bool
	ShowTransfer(t *transfer.Transfer)
	// ShowMessage tells about a new main chat message. Its line is written
	// separately through Messages().ChatLine.
	ShowMessage(peer *models.Peer, text string, color int)
	ShowPrivateMessage(peer *models.Peer, text string, color int)
	ShowTopic(topic models.Topic)
	// NickChanged reports a change of my own nickname.
	NickChanged(oldNick, newNick string)
	NetworkStatus(up bool)
	Messages() MessageController
}

// MessageController writes lines to the main chat view.
type MessageController interface {
	SystemMessage(text string)
	ChatLine(nick, text string, color int)
	OwnLine(text string, color int)
}

// Nop ignores everything and rejects every file.
type Nop struct{}

func (Nop) AskFileSave(context.Context, *transfer.Transfer) bool { return false }
func (Nop) ShowTransfer(*transfer.Transfer)                      {}
func (Nop) ShowMessage(*models.Peer, string, int)                {}
func (Nop) ShowPrivateMessage(*models.Peer, string, int)         {}
func (Nop) ShowTopic(models.Topic)                               {}
func (Nop) NickChanged(string, string)                           {}
func (Nop) NetworkStatus(bool)                                   {}
func (Nop) Messages() MessageController                          { return Nop{} }
func (Nop) SystemMessage(string)                                 {}
func (Nop) ChatLine(string, string, int)                         {}
func (Nop) OwnLine(string, int)                                  {}
