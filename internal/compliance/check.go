// internal/compliance/check.go
package compliance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"cpetscm/internal/database"
	"cpetscm/internal/sandbox"
)

// RuleEvaluator runs one rule body against one configuration text.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, key, body, config string) (*sandbox.Verdict, error)
}

// Recorder receives documents as they are produced. Implementations must be
// safe for concurrent use when shared between checks.
type Recorder interface {
	AddDaily(doc DailyDoc)
	AddDetail(doc DetailDoc)
}

// EvaluationContext is everything known about one snapshot of one device.
type EvaluationContext struct {
	DeviceID        string
	Vendor          string
	BusinessService string
	DeviceModel     string
	Online          bool
	Config          string
	Date            time.Time
}

// Thresholds are the config age limits in days.
type Thresholds struct {
	MinimumConfigAge int
	MaximumConfigAge int
}

// Check evaluates one device snapshot. It starts compliant; CheckConfigAge
// and then exactly one of ResolveOffline or ResolveOnline move it along.
// A Check is used by a single goroutine.
type Check struct {
	ec        EvaluationContext
	rules     []database.Rule
	evaluator RuleEvaluator
	recorder  Recorder
	limits    Thresholds

	timestamp string
	docID     string

	compliant bool
	daily     []DailyDoc
	details   []DetailDoc
	email     *EmailDoc
}

func NewCheck(ec EvaluationContext, rules []database.Rule, evaluator RuleEvaluator, recorder Recorder, limits Thresholds) *Check {
	if ec.Date.IsZero() {
		ec.Date = time.Now()
	}
	timestamp := ec.Date.Format(DateLayout)

	return &Check{
		ec:        ec,
		rules:     rules,
		evaluator: evaluator,
		recorder:  recorder,
		limits:    limits,
		timestamp: timestamp,
		docID:     fmt.Sprintf("%s-%s", timestamp, ec.DeviceID),
		compliant: true,
		email:     newEmailDoc(ec.DeviceID),
	}
}

// CheckConfigAge applies the staleness rule for a config that is age days
// old. The result is advisory; resolution still has to run afterwards.
func (c *Check) CheckConfigAge(age int) bool {
	if age > c.limits.MaximumConfigAge {
		c.compliant = false
		return false
	}

	if age > c.limits.MinimumConfigAge {
		c.compliant = false
		c.addDaily(ReasonConfigOutOfDate)

		if c.ec.Online {
			c.email.Checks.Set(ConfigAgeCheck, CheckOutcome{
				Output: fmt.Sprintf("Device online but config older than expected ( currently %d days!)"+
					"no further checks have been performed due to config out of date\n", age),
				IsCompliant: false,
			})
			c.email.IsCompliant = false
		}
		return false
	}

	return true
}

// ResolveOffline takes the latest known compliance of an unreachable device.
func (c *Check) ResolveOffline(latestKnownCompliance bool) {
	c.compliant = latestKnownCompliance
	if c.compliant {
		c.addDaily(ReasonOfflineCompliant)
	} else {
		c.addDaily(ReasonOfflineNotCompliant)
	}
	c.email.IsCompliant = c.compliant
}

// ResolveOnline evaluates every rule against the snapshot. A rule that
// cannot be evaluated is logged and recorded with its error but does not
// stop the remaining rules.
func (c *Check) ResolveOnline(ctx context.Context) {
	for _, rule := range c.rules {
		verdict, err := c.evaluator.Evaluate(ctx, rule.Key, rule.Body, c.ec.Config)
		if err != nil {
			c.recordFault(rule, err)
			continue
		}

		remediation := verdict.Remediation
		if remediation == "" {
			remediation = rule.Remediation
		}

		c.email.Checks.Set(rule.Key, CheckOutcome{
			Output:      verdict.Output,
			IsCompliant: verdict.Validated,
		})
		c.addDetail(DetailDoc{
			CheckKey:    rule.Key,
			IsCompliant: verdict.Validated,
			Deviation:   verdict.Deviation,
			Remediation: remediation,
			Output:      verdict.Output,
		})

		if !verdict.Validated {
			c.compliant = false
		}
	}

	if c.compliant {
		c.addDaily(ReasonAllChecksPassed)
	} else {
		c.addDaily(ReasonNotAllChecksPassed)
	}
	c.email.IsCompliant = c.compliant
}

func (c *Check) recordFault(rule database.Rule, err error) {
	output := ""
	fields := logrus.Fields{
		"device_id": c.ec.DeviceID,
		"check":     rule.Key,
		"error":     err,
	}
	var fault *sandbox.RuleExecutionFault
	if errors.As(err, &fault) {
		output = fault.Output
		fields["stack"] = fault.ErrorStack()
	}
	logrus.WithFields(fields).Error("TSCM check could not be evaluated")

	c.email.Checks.Set(rule.Key, CheckOutcome{
		Output:      output + "check could not be evaluated: " + err.Error() + "\n",
		IsCompliant: false,
	})
	c.addDetail(DetailDoc{
		CheckKey:    rule.Key,
		IsCompliant: false,
		Output:      output,
		Error:       err.Error(),
	})
}

func (c *Check) addDaily(reason Reason) {
	doc := DailyDoc{
		ID:              c.docID,
		Date:            c.timestamp,
		DeviceID:        c.ec.DeviceID,
		BusinessService: c.ec.BusinessService,
		IsCompliant:     c.compliant,
		IsOnline:        c.ec.Online,
		Reason:          reason,
	}
	c.daily = append(c.daily, doc)
	if c.recorder != nil {
		c.recorder.AddDaily(doc)
	}
}

func (c *Check) addDetail(doc DetailDoc) {
	doc.ID = fmt.Sprintf("%s-%s", c.docID, doc.CheckKey)
	doc.Vendor = c.ec.Vendor
	doc.DeviceID = c.ec.DeviceID
	doc.Timestamp = c.timestamp
	doc.BusinessService = c.ec.BusinessService

	c.details = append(c.details, doc)
	if c.recorder != nil {
		c.recorder.AddDetail(doc)
	}
}

// EmailDigest returns the digest accumulated so far.
func (c *Check) EmailDigest() *EmailDoc {
	return c.email
}

func (c *Check) IsCompliant() bool {
	return c.compliant
}

func (c *Check) Online() bool {
	return c.ec.Online
}

// Results is what one Check produced.
type Results struct {
	Daily   []DailyDoc
	Details []DetailDoc
	Email   *EmailDoc
}

func (c *Check) Results() Results {
	return Results{
		Daily:   c.daily,
		Details: c.details,
		Email:   c.email,
	}
}
