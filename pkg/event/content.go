// Copyright (c) 2025 mxcore contributors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import "encoding/json"

// RelatesTo mirrors `m.relates_to`. Only the fields the engine actually
// branches on (reply, replace, annotation) are kept typed; everything else
// round-trips through Extra.
type RelatesTo struct {
	RelType   string     `json:"rel_type,omitempty"`
	EventID   string     `json:"event_id,omitempty"`
	Key       string     `json:"key,omitempty"` // annotation key, e.g. reaction emoji
	InReplyTo *InReplyTo `json:"m.in_reply_to,omitempty"`
}

type InReplyTo struct {
	EventID string `json:"event_id"`
}

const (
	RelReplace    = "m.replace"
	RelAnnotation = "m.annotation"
	RelThread     = "m.thread"
)

// MsgType enumerates the `msgtype` sum-type tag of RoomMessageEvent content.
type MsgType string

const (
	MsgText     MsgType = "m.text"
	MsgEmote    MsgType = "m.emote"
	MsgNotice   MsgType = "m.notice"
	MsgImage    MsgType = "m.image"
	MsgFile     MsgType = "m.file"
	MsgAudio    MsgType = "m.audio"
	MsgVideo    MsgType = "m.video"
	MsgLocation MsgType = "m.location"
)

// FileInfo mirrors the `info` block shared by image/file/audio/video
// message content, including the xyz.amorgan.blurhash extension (spec.md §6).
type FileInfo struct {
	MimeType      string              `json:"mimetype,omitempty"`
	Size          int64               `json:"size,omitempty"`
	Width         int                 `json:"w,omitempty"`
	Height        int                 `json:"h,omitempty"`
	Duration      int64               `json:"duration,omitempty"`
	ThumbnailURL  string              `json:"thumbnail_url,omitempty"`
	ThumbnailFile *EncryptedFileInfo  `json:"thumbnail_file,omitempty"`
	ThumbnailInfo *FileInfo           `json:"thumbnail_info,omitempty"`
	BlurHash      string              `json:"xyz.amorgan.blurhash,omitempty"`
	Extra         map[string]any      `json:"-"`
}

// EncryptedFileInfo mirrors an `m.encrypted` content file descriptor (the
// on-the-wire twin of crypto.EncryptedFileMetadata).
type EncryptedFileInfo struct {
	URL    string         `json:"url"`
	Key    json.RawMessage `json:"key"`
	IV     string         `json:"iv"`
	Hashes map[string]string `json:"hashes"`
	V      string         `json:"v"`
}

// MessageContent is the sum type over {text, emote, notice, image, file,
// audio, video, location} required by spec.md §4.1. Rather than a Go sum
// type via interface+type-switch (which would force every caller through a
// type assertion for fields nearly all variants share), it follows mautrix's
// actual approach: one struct, tagged by MsgType, with unused fields simply
// absent from the marshalled JSON.
type MessageContent struct {
	MsgType       MsgType         `json:"msgtype"`
	Body          string          `json:"body"`
	Format        string          `json:"format,omitempty"`
	FormattedBody string          `json:"formatted_body,omitempty"`
	URL           string          `json:"url,omitempty"`
	File          *EncryptedFileInfo `json:"file,omitempty"`
	Info          *FileInfo       `json:"info,omitempty"`
	GeoURI        string          `json:"geo_uri,omitempty"`

	RelatesTo  *RelatesTo      `json:"m.relates_to,omitempty"`
	NewContent *MessageContent `json:"m.new_content,omitempty"`
}

func (c *MessageContent) eventKind() string { return "m.room.message" }

// IsEdit reports whether this content is a replacement (edit) targeting an
// earlier event (spec.md §4.3.4).
func (c *MessageContent) IsEdit() bool {
	return c.RelatesTo != nil && c.RelatesTo.RelType == RelReplace && c.NewContent != nil
}

// ReplyTarget returns the event id this message replies to, if any.
func (c *MessageContent) ReplyTarget() string {
	if c.RelatesTo != nil && c.RelatesTo.InReplyTo != nil {
		return c.RelatesTo.InReplyTo.EventID
	}
	return ""
}

// MemberContent is RoomMemberEvent's typed content (spec.md §4.1).
type MemberContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	IsDirect    bool   `json:"is_direct,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (c *MemberContent) eventKind() string { return "m.room.member" }

// EncryptedContent is EncryptedEvent's typed content for the Megolm
// algorithm this engine implements (spec.md §4.1, §4.7).
type EncryptedContent struct {
	Algorithm  string `json:"algorithm"`
	Ciphertext string `json:"ciphertext"`
	SenderKey  string `json:"sender_key"`
	DeviceID   string `json:"device_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

func (c *EncryptedContent) eventKind() string { return "m.room.encrypted" }

// RedactionContent is RedactionEvent's typed content.
type RedactionContent struct {
	Redacts string `json:"redacts,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func (c *RedactionContent) eventKind() string { return "m.room.redaction" }

// RoomKeyContent is the to-device `m.room_key` content used to ingest
// inbound Megolm sessions (spec.md §4.7). SenderKey is not part of the
// standard content (the real protocol recovers it from the 1:1 Olm session
// that decrypted the outer `m.room.encrypted` to-device envelope, which is
// out of scope here); it is read when the embedder's own Olm layer
// re-delivers the plaintext room_key event with the sender's curve25519
// identity key attached under this convention.
type RoomKeyContent struct {
	Algorithm  string `json:"algorithm"`
	RoomID     string `json:"room_id"`
	SessionID  string `json:"session_id"`
	SessionKey string `json:"session_key"`
	SenderKey  string `json:"sender_key,omitempty"`
}

func (c *RoomKeyContent) eventKind() string { return "m.room_key" }

// --- State event content used for currentState classification (§4.3.1 step 3) ---

type NameContent struct {
	Name string `json:"name"`
}

func (c *NameContent) eventKind() string { return "m.room.name" }

type TopicContent struct {
	Topic string `json:"topic"`
}

func (c *TopicContent) eventKind() string { return "m.room.topic" }

type AvatarContent struct {
	URL string `json:"url"`
}

func (c *AvatarContent) eventKind() string { return "m.room.avatar" }

type CanonicalAliasContent struct {
	Alias      string   `json:"alias"`
	AltAliases []string `json:"alt_aliases,omitempty"`
}

func (c *CanonicalAliasContent) eventKind() string { return "m.room.canonical_alias" }

type CreateContent struct {
	Creator     string          `json:"creator,omitempty"`
	RoomVersion string          `json:"room_version,omitempty"`
	Predecessor *PreviousRoom   `json:"predecessor,omitempty"`
}

type PreviousRoom struct {
	RoomID  string `json:"room_id"`
	EventID string `json:"event_id"`
}

func (c *CreateContent) eventKind() string { return "m.room.create" }

type TombstoneContent struct {
	Body            string `json:"body"`
	ReplacementRoom string `json:"replacement_room"`
}

func (c *TombstoneContent) eventKind() string { return "m.room.tombstone" }

type EncryptionContent struct {
	Algorithm              string `json:"algorithm"`
	RotationPeriodMs       int64  `json:"rotation_period_ms,omitempty"`
	RotationPeriodMessages int    `json:"rotation_period_msgs,omitempty"`
}

func (c *EncryptionContent) eventKind() string { return "m.room.encryption" }

type ReactionContent struct {
	RelatesTo *RelatesTo `json:"m.relates_to,omitempty"`
}

func (c *ReactionContent) eventKind() string { return "m.reaction" }
