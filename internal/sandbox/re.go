// internal/sandbox/re.go
package sandbox

import (
	"fmt"
	"regexp"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Flag values follow the numbering rule authors already use.
const (
	flagIgnoreCase = 2
	flagMultiline  = 8
	flagDotAll     = 16
)

type compileFunc func(pattern string, flags int) (*regexp.Regexp, error)

func (e *Evaluator) compilePattern(pattern string, flags int) (*regexp.Regexp, error) {
	inline := ""
	if flags&flagIgnoreCase != 0 {
		inline += "i"
	}
	if flags&flagMultiline != 0 {
		inline += "m"
	}
	if flags&flagDotAll != 0 {
		inline += "s"
	}
	expr := pattern
	if inline != "" {
		expr = "(?" + inline + ")" + pattern
	}

	if cached, err := e.patterns.Get(expr); err == nil {
		if re, ok := cached.(*regexp.Regexp); ok {
			return re, nil
		}
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	_ = e.patterns.Set(expr, re)
	return re, nil
}

func newReModule(compile compileFunc) *starlarkstruct.Module {
	r := &reBuiltins{compile: compile}
	return &starlarkstruct.Module{
		Name: "re",
		Members: starlark.StringDict{
			"search":     starlark.NewBuiltin("re.search", r.search),
			"match":      starlark.NewBuiltin("re.match", r.match),
			"fullmatch":  starlark.NewBuiltin("re.fullmatch", r.fullmatch),
			"findall":    starlark.NewBuiltin("re.findall", r.findall),
			"sub":        starlark.NewBuiltin("re.sub", r.sub),
			"split":      starlark.NewBuiltin("re.split", r.split),
			"escape":     starlark.NewBuiltin("re.escape", escape),
			"I":          starlark.MakeInt(flagIgnoreCase),
			"IGNORECASE": starlark.MakeInt(flagIgnoreCase),
			"M":          starlark.MakeInt(flagMultiline),
			"MULTILINE":  starlark.MakeInt(flagMultiline),
			"S":          starlark.MakeInt(flagDotAll),
			"DOTALL":     starlark.MakeInt(flagDotAll),
		},
	}
}

type reBuiltins struct {
	compile compileFunc
}

func (r *reBuiltins) patternArgs(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (*regexp.Regexp, string, error) {
	var pattern, s string
	var flags int
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "string", &s, "flags?", &flags); err != nil {
		return nil, "", err
	}
	re, err := r.compile(pattern, flags)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", b.Name(), err)
	}
	return re, s, nil
}

func (r *reBuiltins) search(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	re, s, err := r.patternArgs(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	return newMatch(re, s, re.FindStringSubmatchIndex(s)), nil
}

func (r *reBuiltins) match(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	re, s, err := r.patternArgs(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	loc := re.FindStringSubmatchIndex(s)
	if loc != nil && loc[0] != 0 {
		// Leftmost-first: no match starts at 0 if the leftmost one does not.
		return starlark.None, nil
	}
	return newMatch(re, s, loc), nil
}

func (r *reBuiltins) fullmatch(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	re, s, err := r.patternArgs(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	anchored, err := regexp.Compile(`\A(?:` + re.String() + `)\z`)
	if err != nil {
		return nil, err
	}
	return newMatch(anchored, s, anchored.FindStringSubmatchIndex(s)), nil
}

func (r *reBuiltins) findall(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	re, s, err := r.patternArgs(b, args, kwargs)
	if err != nil {
		return nil, err
	}

	var out []starlark.Value
	for _, m := range re.FindAllStringSubmatch(s, -1) {
		switch re.NumSubexp() {
		case 0:
			out = append(out, starlark.String(m[0]))
		case 1:
			out = append(out, starlark.String(m[1]))
		default:
			groups := make(starlark.Tuple, 0, len(m)-1)
			for _, g := range m[1:] {
				groups = append(groups, starlark.String(g))
			}
			out = append(out, groups)
		}
	}
	return starlark.NewList(out), nil
}

func (r *reBuiltins) sub(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, repl, s string
	var count, flags int
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "repl", &repl, "string", &s, "count?", &count, "flags?", &flags); err != nil {
		return nil, err
	}
	re, err := r.compile(pattern, flags)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}

	n := -1
	if count > 0 {
		n = count
	}
	template := translateRepl(repl)

	var buf []byte
	last := 0
	for _, loc := range re.FindAllStringSubmatchIndex(s, n) {
		buf = append(buf, s[last:loc[0]]...)
		buf = re.ExpandString(buf, template, s, loc)
		last = loc[1]
	}
	buf = append(buf, s[last:]...)
	return starlark.String(buf), nil
}

func (r *reBuiltins) split(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, s string
	var maxsplit, flags int
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "string", &s, "maxsplit?", &maxsplit, "flags?", &flags); err != nil {
		return nil, err
	}
	re, err := r.compile(pattern, flags)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}

	n := -1
	if maxsplit > 0 {
		n = maxsplit
	}

	var out []starlark.Value
	last := 0
	for _, loc := range re.FindAllStringSubmatchIndex(s, n) {
		out = append(out, starlark.String(s[last:loc[0]]))
		for g := 1; g <= re.NumSubexp(); g++ {
			out = append(out, groupValue(s, loc, g))
		}
		last = loc[1]
	}
	out = append(out, starlark.String(s[last:]))
	return starlark.NewList(out), nil
}

func escape(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
		return nil, err
	}
	return starlark.String(regexp.QuoteMeta(s)), nil
}

// translateRepl rewrites \1 and \g<name> group references into the
// ${1} / ${name} form understood by regexp.Expand.
func translateRepl(repl string) string {
	var sb strings.Builder
	for i := 0; i < len(repl); i++ {
		c := repl[i]
		switch {
		case c == '$':
			sb.WriteString("$$")
		case c == '\\' && i+1 < len(repl):
			next := repl[i+1]
			switch {
			case next >= '0' && next <= '9':
				j := i + 1
				for j < len(repl) && j < i+3 && repl[j] >= '0' && repl[j] <= '9' {
					j++
				}
				sb.WriteString("${" + repl[i+1:j] + "}")
				i = j - 1
			case next == 'g' && i+2 < len(repl) && repl[i+2] == '<':
				end := strings.IndexByte(repl[i+3:], '>')
				if end < 0 {
					sb.WriteByte(c)
					continue
				}
				sb.WriteString("${" + repl[i+3:i+3+end] + "}")
				i = i + 3 + end
			case next == 'n':
				sb.WriteByte('\n')
				i++
			case next == 't':
				sb.WriteByte('\t')
				i++
			case next == '\\':
				sb.WriteByte('\\')
				i++
			default:
				sb.WriteByte(c)
			}
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func groupValue(s string, loc []int, g int) starlark.Value {
	if 2*g+1 >= len(loc) || loc[2*g] < 0 {
		return starlark.None
	}
	return starlark.String(s[loc[2*g]:loc[2*g+1]])
}

// newMatch builds the match object handed back to rule bodies, or None.
func newMatch(re *regexp.Regexp, s string, loc []int) starlark.Value {
	if loc == nil {
		return starlark.None
	}

	groupIndex := func(v starlark.Value) (int, error) {
		switch t := v.(type) {
		case starlark.Int:
			i, ok := t.Int64()
			if !ok || i < 0 || int(i) > re.NumSubexp() {
				return 0, fmt.Errorf("no such group: %s", t)
			}
			return int(i), nil
		case starlark.String:
			i := re.SubexpIndex(string(t))
			if i < 0 {
				return 0, fmt.Errorf("no such group: %s", t)
			}
			return i, nil
		default:
			return 0, fmt.Errorf("group index must be int or string, not %s", v.Type())
		}
	}

	group := starlark.NewBuiltin("group", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(kwargs) > 0 {
			return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
		}
		if len(args) == 0 {
			return groupValue(s, loc, 0), nil
		}
		values := make(starlark.Tuple, 0, len(args))
		for _, a := range args {
			g, err := groupIndex(a)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
			values = append(values, groupValue(s, loc, g))
		}
		if len(values) == 1 {
			return values[0], nil
		}
		return values, nil
	})

	groups := starlark.NewBuiltin("groups", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
			return nil, err
		}
		values := make(starlark.Tuple, 0, re.NumSubexp())
		for g := 1; g <= re.NumSubexp(); g++ {
			values = append(values, groupValue(s, loc, g))
		}
		return values, nil
	})

	bound := func(name string, idx int) *starlark.Builtin {
		return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			g := starlark.Value(starlark.MakeInt(0))
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0, &g); err != nil {
				return nil, err
			}
			i, err := groupIndex(g)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.Name(), err)
			}
			return starlark.MakeInt(loc[2*i+idx]), nil
		})
	}

	return starlarkstruct.FromStringDict(starlark.String("Match"), starlark.StringDict{
		"string": starlark.String(s),
		"group":  group,
		"groups": groups,
		"start":  bound("start", 0),
		"end":    bound("end", 1),
	})
}
