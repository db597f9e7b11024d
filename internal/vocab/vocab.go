// Package vocab reads the token table of a WordPiece tokenizer definition so
// token ids can be range-checked and rendered for display. It does not
// tokenize text.
package vocab

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Vocabulary maps token ids to their WordPiece strings.
type Vocabulary struct {
	values  []string
	reverse map[string]int
}

// Load reads a HuggingFace tokenizer.json, a BERT vocab.txt (one token per
// line, id = line number), or a directory containing either.
func Load(path string) (*Vocabulary, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		for _, name := range []string{"tokenizer.json", "vocab.txt"} {
			if _, err := os.Stat(filepath.Join(path, name)); err == nil {
				return Load(filepath.Join(path, name))
			}
		}
		return nil, fmt.Errorf("vocab: no tokenizer.json or vocab.txt in %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vocab: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FromTokenizerJSON(data)
	}
	return FromLines(data), nil
}

// FromTokenizerJSON parses the model vocabulary and added tokens of a
// tokenizer.json document.
func FromTokenizerJSON(data []byte) (*Vocabulary, error) {
	var raw struct {
		Model struct {
			Type  string         `json:"type"`
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
		AddedTokens []struct {
			ID      int    `json:"id"`
			Content string `json:"content"`
		} `json:"added_tokens"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("vocab: failed to parse tokenizer: %w", err)
	}
	if len(raw.Model.Vocab) == 0 {
		return nil, fmt.Errorf("vocab: tokenizer has no vocabulary (model type %q)", raw.Model.Type)
	}

	v := &Vocabulary{reverse: make(map[string]int, len(raw.Model.Vocab))}
	set := func(token string, id int) {
		if id < 0 {
			return
		}
		if id >= len(v.values) {
			grown := make([]string, id+1)
			copy(grown, v.values)
			v.values = grown
		}
		v.values[id] = token
		v.reverse[token] = id
	}
	for token, id := range raw.Model.Vocab {
		set(token, id)
	}
	for _, tok := range raw.AddedTokens {
		set(tok.Content, tok.ID)
	}
	return v, nil
}

// FromLines builds a vocabulary from vocab.txt contents.
func FromLines(data []byte) *Vocabulary {
	v := &Vocabulary{reverse: make(map[string]int)}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		token := strings.TrimRight(sc.Text(), "\r")
		v.reverse[token] = len(v.values)
		v.values = append(v.values, token)
	}
	return v
}

// Size is one more than the largest known id.
func (v *Vocabulary) Size() int { return len(v.values) }

// Token returns the string for id.
func (v *Vocabulary) Token(id int) (string, bool) {
	if id < 0 || id >= len(v.values) {
		return "", false
	}
	return v.values[id], true
}

// ID returns the id of token.
func (v *Vocabulary) ID(token string) (int, bool) {
	id, ok := v.reverse[token]
	return id, ok
}

// Decode renders ids as text, joining "##" continuation pieces onto the
// previous word and dropping bracketed special tokens such as [CLS].
func (v *Vocabulary) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		tok, ok := v.Token(id)
		if !ok {
			tok = fmt.Sprintf("[%d]", id)
		} else if strings.HasPrefix(tok, "[") && strings.HasSuffix(tok, "]") {
			continue
		}
		if rest, ok := strings.CutPrefix(tok, "##"); ok && sb.Len() > 0 {
			sb.WriteString(rest)
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(tok)
	}
	return sb.String()
}
