package orchestrator

import (
	"context"
	"fmt"
	"strconv"

	"github.com/beevik/etree"
	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/valpere/epubtran/internal/checkpoint"
	"github.com/valpere/epubtran/internal/chunker"
	"github.com/valpere/epubtran/internal/dispatcher"
	"github.com/valpere/epubtran/internal/placeholder"
	"github.com/valpere/epubtran/internal/prompt"
	"github.com/valpere/epubtran/internal/xhtml"
)

// bodyGroup is one group of a chapter's body children.
type bodyGroup struct {
	doc   int
	nodes chunker.NodeGroup
	key   string
}

// groupKey identifies a group by its source markup, so a checkpoint stays
// valid when the chunk size or the chapter set changes between runs.
func groupKey(markup string) string {
	return strconv.FormatUint(xxhash.Sum64String(markup), 16)
}

// translateHTML sends the body of every chapter as markup, group by group.
// Translated groups are checkpointed under a hash of their source markup;
// groups with identical markup share one translation.
func (o *Orchestrator) translateHTML(ctx context.Context) error {
	docs, err := o.parsePristine(o.book.ChapterPaths())
	if err != nil {
		return err
	}

	var groups []bodyGroup
	for i, d := range docs {
		body := d.doc.Body()
		if body == nil {
			o.log.WithField("chapter", d.path).Warn("chapter has no body")
			continue
		}
		gs, err := chunker.ChunkNodes(append([]etree.Token(nil), body.Child...), o.cfg.MaxChunkSize)
		if err != nil {
			return err
		}
		for _, g := range gs {
			groups = append(groups, bodyGroup{doc: i, nodes: g, key: groupKey(g.String())})
		}
	}

	done, err := o.wd.Load(checkpoint.HTMLChunks)
	if err != nil {
		return err
	}

	instructions := o.instructions(prompt.HTML, o.dict)
	passes := o.cfg.MainPasses
	for pass := 0; pass < passes; pass++ {
		var work []dispatcher.Chunk
		keys := make(map[int]string)
		queued := make(map[string]bool)
		for idx, g := range groups {
			if _, ok := done[g.key]; ok || queued[g.key] {
				continue
			}
			queued[g.key] = true
			keys[idx] = g.key
			work = append(work, dispatcher.Chunk{
				Index:        idx,
				Kind:         dispatcher.KindHTML,
				Instructions: instructions,
				HTML:         g.nodes.String(),
			})
		}
		if len(work) == 0 {
			break
		}
		o.log.WithFields(logrus.Fields{"stage": StageMain, "pass": pass + 1, "groups": len(work)}).Info("translation pass")

		fallbacks, err := o.dispatchHTML(ctx, work, keys, done, func(c, t int) {
			o.progress.sub(StageMain, pass, passes, c, t)
		})
		if err != nil {
			return err
		}
		if fallbacks == 0 {
			break
		}
	}

	bodies := make(map[int][]etree.Token)
	for _, g := range groups {
		nodes := []etree.Token(g.nodes)
		if translated, ok := done[g.key]; ok {
			if parsed, err := xhtml.ParseFragment(translated); err == nil {
				nodes = parsed
			}
		}
		bodies[g.doc] = append(bodies[g.doc], nodes...)
	}
	for i, d := range docs {
		if nodes, ok := bodies[i]; ok {
			xhtml.ReplaceChildren(d.doc.Body(), nodes)
		}
		if err := o.writeDocument(d, o.cfg.HorizontalWriting); err != nil {
			return err
		}
	}
	return nil
}

// dispatchHTML runs one pass of markup groups. A response that validated
// but does not parse as XHTML counts as a fallback.
func (o *Orchestrator) dispatchHTML(ctx context.Context, work []dispatcher.Chunk, keys map[int]string, done placeholder.TextMap, report func(completed, total int)) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fallbacks, completed := 0, 0
	for res := range o.newDispatcher(StageMain, false).Dispatch(ctx, work) {
		completed++
		report(completed, len(work))
		if res.Fallback {
			fallbacks++
			continue
		}
		if _, err := xhtml.ParseFragment(res.HTML); err != nil {
			o.log.WithFields(logrus.Fields{"chunk": res.Index, "error": err}).Warn("translated markup is malformed, keeping original")
			fallbacks++
			continue
		}
		done[keys[res.Index]] = res.HTML
		if err := o.wd.Save(checkpoint.HTMLChunks, done); err != nil {
			return fallbacks, fmt.Errorf("failed to write checkpoint: %w", err)
		}
	}
	return fallbacks, ctx.Err()
}
