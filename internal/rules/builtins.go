// Copyright 2025 The Acteon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/penserai/acteon/pkg/errors"
)

// regexCache bounds compiled patterns used by the matches built-in. The
// cache is flushed wholesale when full; correctness never depends on a hit.
var regexCache = struct {
	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}{patterns: make(map[string]*regexp.Regexp)}

const regexCacheLimit = 256

func cachedRegexp(pattern string) (*regexp.Regexp, error) {
	regexCache.mu.Lock()
	defer regexCache.mu.Unlock()

	if re, ok := regexCache.patterns[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	if len(regexCache.patterns) >= regexCacheLimit {
		regexCache.patterns = make(map[string]*regexp.Regexp)
	}
	regexCache.patterns[pattern] = re
	return re, nil
}

func argString(name string, params []any, idx int) (string, error) {
	if idx >= len(params) {
		return "", &errors.ValidationError{Field: name, Message: fmt.Sprintf("missing argument %d", idx+1)}
	}
	s, ok := params[idx].(string)
	if !ok {
		return "", &errors.ValidationError{Field: name, Message: fmt.Sprintf("argument %d must be a string", idx+1)}
	}
	return s, nil
}

// condOptions is the compile-time environment shared by every condition.
// Comparison and containment operators (contains, matches, in) come from
// the expression language itself; the functions below cover the rest of
// the built-in surface.
func condOptions() []expr.Option {
	return []expr.Option{
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
		expr.Function("starts_with", func(params ...any) (any, error) {
			s, err := argString("starts_with", params, 0)
			if err != nil {
				return nil, err
			}
			prefix, err := argString("starts_with", params, 1)
			if err != nil {
				return nil, err
			}
			return len(s) >= len(prefix) && s[:len(prefix)] == prefix, nil
		}),
		expr.Function("ends_with", func(params ...any) (any, error) {
			s, err := argString("ends_with", params, 0)
			if err != nil {
				return nil, err
			}
			suffix, err := argString("ends_with", params, 1)
			if err != nil {
				return nil, err
			}
			return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix, nil
		}),
		expr.Function("regex_match", func(params ...any) (any, error) {
			s, err := argString("regex_match", params, 0)
			if err != nil {
				return nil, err
			}
			pattern, err := argString("regex_match", params, 1)
			if err != nil {
				return nil, err
			}
			re, err := cachedRegexp(pattern)
			if err != nil {
				return nil, &errors.ValidationError{Field: "regex_match", Message: "invalid pattern: " + err.Error()}
			}
			return re.MatchString(s), nil
		}),
		expr.Function("format", func(params ...any) (any, error) {
			layout, err := argString("format", params, 0)
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf(layout, params[1:]...), nil
		}),
		expr.Function("to_string", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, &errors.ValidationError{Field: "to_string", Message: "expects one argument"}
			}
			switch v := params[0].(type) {
			case string:
				return v, nil
			case nil:
				return "", nil
			default:
				return fmt.Sprintf("%v", v), nil
			}
		}),
		expr.Function("to_int", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, &errors.ValidationError{Field: "to_int", Message: "expects one argument"}
			}
			switch v := params[0].(type) {
			case int:
				return v, nil
			case int64:
				return int(v), nil
			case float64:
				return int(v), nil
			case string:
				n, err := strconv.Atoi(v)
				if err != nil {
					return nil, &errors.ValidationError{Field: "to_int", Message: "not an integer: " + v}
				}
				return n, nil
			default:
				return nil, &errors.ValidationError{Field: "to_int", Message: fmt.Sprintf("cannot convert %T", v)}
			}
		}),
	}
}

func compileCondition(src string) (*vm.Program, error) {
	return expr.Compile(src, condOptions()...)
}
