// Package chat holds the capped message log and the buffer for an assistant
// reply that is still streaming in.
package chat

import (
	"encoding/json"
	"fmt"
	"strings"
)

type BlockType string

const (
	BlockText  BlockType = "text"
	BlockList  BlockType = "list"
	BlockExtra BlockType = "extra"
	BlockImage BlockType = "image"
	BlockAudio BlockType = "audio"
)

// Block is one piece of message content. The set of implementations is
// closed; switches over it handle every variant.
type Block interface {
	Type() BlockType
	isBlock()
}

type TextBlock struct {
	Value string
}

type ListBlock struct {
	Items []string
}

// ExtraBlock is a labelled side note, such as the next step of a plan.
type ExtraBlock struct {
	Title string
	Value string
}

type ImageBlock struct {
	URI string
}

type AudioBlock struct {
	URI string
}

func (TextBlock) Type() BlockType  { return BlockText }
func (ListBlock) Type() BlockType  { return BlockList }
func (ExtraBlock) Type() BlockType { return BlockExtra }
func (ImageBlock) Type() BlockType { return BlockImage }
func (AudioBlock) Type() BlockType { return BlockAudio }

func (TextBlock) isBlock()  {}
func (ListBlock) isBlock()  {}
func (ExtraBlock) isBlock() {}
func (ImageBlock) isBlock() {}
func (AudioBlock) isBlock() {}

func Text(value string) TextBlock { return TextBlock{Value: value} }

func Extra(title, value string) ExtraBlock { return ExtraBlock{Title: title, Value: value} }

// wireBlock is the JSON shape of every variant.
type wireBlock struct {
	Type  BlockType `json:"type"`
	Value string    `json:"value,omitempty"`
	Items []string  `json:"items,omitempty"`
	Title string    `json:"title,omitempty"`
	URI   string    `json:"uri,omitempty"`
}

// Blocks is an ordered block list with a tagged JSON encoding.
type Blocks []Block

func (b Blocks) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(b))
	for _, blk := range b {
		raw, err := MarshalBlock(blk)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return json.Marshal(out)
}

func (b *Blocks) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Blocks, 0, len(raws))
	for _, raw := range raws {
		blk, err := UnmarshalBlock(raw)
		if err != nil {
			return err
		}
		out = append(out, blk)
	}
	*b = out
	return nil
}

func MarshalBlock(b Block) ([]byte, error) {
	w := wireBlock{}
	switch v := b.(type) {
	case TextBlock:
		// "value" stays present for empty text.
		return json.Marshal(struct {
			Type  BlockType `json:"type"`
			Value string    `json:"value"`
		}{BlockText, v.Value})
	case ListBlock:
		items := v.Items
		if items == nil {
			items = []string{}
		}
		return json.Marshal(struct {
			Type  BlockType `json:"type"`
			Items []string  `json:"items"`
		}{BlockList, items})
	case ExtraBlock:
		w.Type, w.Title, w.Value = BlockExtra, v.Title, v.Value
	case ImageBlock:
		w.Type, w.URI = BlockImage, v.URI
	case AudioBlock:
		w.Type, w.URI = BlockAudio, v.URI
	case nil:
		return nil, fmt.Errorf("nil message block")
	default:
		return nil, fmt.Errorf("unsupported message block %T", b)
	}
	return json.Marshal(w)
}

func UnmarshalBlock(data []byte) (Block, error) {
	var w wireBlock
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode message block: %w", err)
	}
	switch w.Type {
	case BlockText:
		return TextBlock{Value: w.Value}, nil
	case BlockList:
		return ListBlock{Items: w.Items}, nil
	case BlockExtra:
		return ExtraBlock{Title: w.Title, Value: w.Value}, nil
	case BlockImage:
		return ImageBlock{URI: w.URI}, nil
	case BlockAudio:
		return AudioBlock{URI: w.URI}, nil
	default:
		return nil, fmt.Errorf("unknown message block type %q", w.Type)
	}
}

// StreamText is the text streamed to the user for a reply: text and extra
// values joined by newlines. Other blocks carry no streamable text.
func StreamText(blocks []Block) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		var s string
		switch v := b.(type) {
		case TextBlock:
			s = v.Value
		case ExtraBlock:
			s = v.Value
		case ListBlock, ImageBlock, AudioBlock:
		}
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// PromptText renders blocks for a remote model: text as-is, every other block
// as its JSON form.
func PromptText(blocks []Block) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if v, ok := b.(TextBlock); ok {
			parts = append(parts, v.Value)
			continue
		}
		raw, err := MarshalBlock(b)
		if err != nil {
			continue
		}
		parts = append(parts, string(raw))
	}
	return strings.Join(parts, "\n")
}

func cloneBlocks(in []Block) Blocks {
	if in == nil {
		return nil
	}
	out := make(Blocks, len(in))
	for i, b := range in {
		if l, ok := b.(ListBlock); ok {
			l.Items = append([]string(nil), l.Items...)
			b = l
		}
		out[i] = b
	}
	return out
}
