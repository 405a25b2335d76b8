package scenario

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/l7mp/reactive-collections/pkg/reactive"
)

type (
	groupBy = reactive.GroupByOp[int64, int64]
	group   = reactive.Group[int64, int64]
)

// pipeline is an operator graph built over a leaf.
type pipeline struct {
	// out is the flat output, nil if the last stage groups
	out    reactive.Source[int64]
	groups *groupBy
	closer []func()
}

func (p *pipeline) close() {
	for i := len(p.closer) - 1; i >= 0; i-- {
		p.closer[i]()
	}
	p.closer = nil
}

// nestedCache hands out one shared nested collection per distinct source item.
type nestedCache struct {
	fanout FanoutSpec
	opts   []reactive.Option
	lists  map[int64]*reactive.List[int64]
}

func (c *nestedCache) get(x int64) (reactive.Source[int64], error) {
	if l, ok := c.lists[x]; ok {
		return l, nil
	}
	l, err := reactive.NewList(c.fanout.expand(x), c.opts...)
	if err != nil {
		return nil, err
	}
	c.lists[x] = l
	return l, nil
}

func (c *nestedCache) close() {
	for _, l := range c.lists {
		l.Dispose()
	}
}

func flattenGroup(g *group) (reactive.Source[int64], error) { return g, nil }

func build(leaf reactive.Source[int64], stages []Stage, log logr.Logger) (*pipeline, error) {
	p := &pipeline{}
	cur := leaf
	for i, st := range stages {
		opts := []reactive.Option{reactive.WithLogger(log), reactive.WithName(fmt.Sprintf("%d-%s", i, st.kind()))}
		switch {
		case st.Where != nil:
			w, err := reactive.NewWhere(cur, reactive.Pred(st.Where.match), opts...)
			if err != nil {
				p.close()
				return nil, err
			}
			p.closer = append(p.closer, w.Dispose)
			cur = w

		case st.SelectMany != nil && st.SelectMany.Observable:
			cache := &nestedCache{fanout: *st.SelectMany, opts: opts, lists: map[int64]*reactive.List[int64]{}}
			p.closer = append(p.closer, cache.close)
			m, err := reactive.NewSelectManyObservable(cur, cache.get, opts...)
			if err != nil {
				p.close()
				return nil, err
			}
			p.closer = append(p.closer, m.Dispose)
			cur = m

		case st.SelectMany != nil:
			m, err := reactive.NewSelectMany(cur, reactive.Expand(st.SelectMany.expand), opts...)
			if err != nil {
				p.close()
				return nil, err
			}
			p.closer = append(p.closer, m.Dispose)
			cur = m

		case st.GroupBy != nil:
			g, err := reactive.NewGroupBy(cur, reactive.Key(st.GroupBy.key), opts...)
			if err != nil {
				p.close()
				return nil, err
			}
			p.closer = append(p.closer, g.Dispose)
			if i == len(stages)-1 {
				p.groups = g
				return p, nil
			}
			f, err := reactive.NewSelectManyObservable(g, flattenGroup, opts...)
			if err != nil {
				p.close()
				return nil, err
			}
			p.closer = append(p.closer, f.Dispose)
			cur = f
		}
	}
	p.out = cur
	return p, nil
}

// summary is the comparable form of a pipeline output: the flat items, or the members per group
// key.
type summary struct {
	items  []int64
	groups map[int64][]int64
}

func (p *pipeline) summarize() (summary, error) {
	if p.groups == nil {
		items, err := p.out.GetValue(nil)
		return summary{items: items}, err
	}
	grps, err := p.groups.GetValue(nil)
	if err != nil {
		return summary{}, err
	}
	return summarizeGroups(grps)
}

func summarizeGroups(grps []*group) (summary, error) {
	ret := summary{groups: make(map[int64][]int64, len(grps))}
	for _, g := range grps {
		members, err := g.GetValue(nil)
		if err != nil {
			return summary{}, err
		}
		ret.groups[g.Key()] = members
	}
	return ret, nil
}

func (s summary) String() string {
	if s.groups == nil {
		return fmt.Sprint(s.items)
	}
	return fmt.Sprint(s.groups)
}
