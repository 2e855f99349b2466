// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package submission

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"analysisqueue/src/model"
)

// ClockLayout is the wire format of the simulated clock.
const ClockLayout = "01-02-2006 15:04:05"

// EncodeForm turns options into the form fields understood by /tasks/create/*.
// Zero values are left out.
func EncodeForm(opts model.TaskOptions) url.Values {
	form := url.Values{}
	set := func(key, value string) {
		if value != "" {
			form.Set(key, value)
		}
	}

	set("package", opts.Package)
	if opts.Timeout != 0 {
		form.Set("timeout", strconv.Itoa(opts.Timeout))
	}
	if opts.Priority != 0 {
		form.Set("priority", strconv.Itoa(opts.Priority))
	}
	set("options", model.FormatOptions(opts.Options))
	set("machine", opts.Machine)
	set("platform", opts.Platform)
	set("tags", strings.Join(opts.Tags, ","))
	set("custom", opts.Custom)
	set("owner", opts.Owner)
	if opts.Memory {
		form.Set("memory", "true")
	}
	if opts.EnforceTimeout {
		form.Set("enforce_timeout", "true")
	}
	if opts.Clock != nil {
		form.Set("clock", opts.Clock.Format(ClockLayout))
	}
	return form
}

// DecodeForm is the inverse of EncodeForm.
func DecodeForm(form url.Values) (model.TaskOptions, error) {
	opts := model.TaskOptions{
		Package:  form.Get("package"),
		Machine:  form.Get("machine"),
		Platform: form.Get("platform"),
		Custom:   form.Get("custom"),
		Owner:    form.Get("owner"),
		Tags:     model.ParseTags(form.Get("tags")),
	}

	var err error
	if opts.Timeout, err = formInt(form, "timeout"); err != nil {
		return opts, err
	}
	if opts.Priority, err = formInt(form, "priority"); err != nil {
		return opts, err
	}
	if opts.Memory, err = formBool(form, "memory"); err != nil {
		return opts, err
	}
	if opts.EnforceTimeout, err = formBool(form, "enforce_timeout"); err != nil {
		return opts, err
	}

	if raw := form.Get("options"); raw != "" {
		if opts.Options, err = model.ParseOptions(raw); err != nil {
			return opts, err
		}
	}

	if raw := form.Get("clock"); raw != "" {
		clock, err := time.Parse(ClockLayout, raw)
		if err != nil {
			return opts, fmt.Errorf("invalid clock %q: %w", raw, err)
		}
		opts.Clock = &clock
	}

	return opts, nil
}

func formInt(form url.Values, key string) (int, error) {
	raw := form.Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func formBool(form url.Values, key string) (bool, error) {
	raw := form.Get(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}
