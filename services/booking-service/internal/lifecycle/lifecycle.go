// Package lifecycle holds the appointment transition table. It decides what a
// transition does; persisting it is the caller's job.
package lifecycle

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
)

type Action string

const (
	ActionConfirm  Action = "confirm"
	ActionArrive   Action = "arrive"
	ActionStart    Action = "start"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

var (
	ErrUnknownAction     = errors.New("lifecycle: unknown action")
	ErrInvalidTransition = errors.New("lifecycle: transition not allowed")
	ErrForbidden         = errors.New("lifecycle: actor may not perform this action")
	ErrAlreadyPast       = errors.New("lifecycle: appointment already started")
)

type rule struct {
	from      []model.Status
	to        model.Status
	staffOnly bool
}

var table = map[Action]rule{
	ActionConfirm:  {from: []model.Status{model.StatusPending}, to: model.StatusConfirmed, staffOnly: true},
	ActionArrive:   {from: []model.Status{model.StatusPending, model.StatusConfirmed}, to: model.StatusArrived, staffOnly: true},
	ActionStart:    {from: []model.Status{model.StatusConfirmed, model.StatusArrived}, to: model.StatusInProgress, staffOnly: true},
	ActionComplete: {from: []model.Status{model.StatusInProgress}, to: model.StatusCompleted, staffOnly: true},
	ActionCancel: {from: []model.Status{
		model.StatusPending,
		model.StatusConfirmed,
		model.StatusArrived,
		model.StatusInProgress,
	}, to: model.StatusCancelled},
}

func ParseAction(s string) (Action, error) {
	a := Action(s)
	if _, ok := table[a]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return a, nil
}

// Change is the outcome of planning one transition.
type Change struct {
	From model.Status
	To   model.Status
	// NoOp is set when the appointment is already where the action would take it.
	NoOp bool
	// CheckResource asks the caller to re-validate that the resource is free right now.
	CheckResource  bool
	SetActualStart bool
	MarkPaid       bool
}

func Plan(appt model.Appointment, action Action, actor model.Actor, now time.Time) (Change, error) {
	r, ok := table[action]
	if !ok {
		return Change{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if action == ActionCancel {
		return planCancel(appt, actor, now)
	}
	if r.staffOnly && !actor.Privileged() {
		return Change{}, ErrForbidden
	}
	if !slices.Contains(r.from, appt.Status) {
		return Change{}, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, action, appt.Status)
	}
	return Change{
		From:           appt.Status,
		To:             r.to,
		CheckResource:  action == ActionStart,
		SetActualStart: action == ActionStart,
	}, nil
}

// Owners may cancel their own future appointments; staff may cancel anything not completed.
func planCancel(appt model.Appointment, actor model.Actor, now time.Time) (Change, error) {
	if !actor.Privileged() && appt.OwnerID != actor.ID {
		return Change{}, ErrForbidden
	}
	if appt.Status == model.StatusCancelled {
		return Change{From: appt.Status, To: appt.Status, NoOp: true}, nil
	}
	if appt.Status == model.StatusCompleted {
		return Change{}, fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, appt.Status)
	}
	if !actor.Privileged() && !appt.Start.After(now) {
		return Change{}, ErrAlreadyPast
	}
	return Change{From: appt.Status, To: model.StatusCancelled}, nil
}

// PlanPayment handles a successful external payment. A pending hold becomes
// confirmed; appointments already past pending only get the paid flag.
func PlanPayment(appt model.Appointment) (Change, error) {
	switch {
	case appt.Status == model.StatusCancelled:
		return Change{}, fmt.Errorf("%w: payment for %s appointment", ErrInvalidTransition, appt.Status)
	case appt.PaymentStatus == model.PaymentPaid:
		return Change{From: appt.Status, To: appt.Status, NoOp: true}, nil
	case appt.Status == model.StatusPending:
		return Change{From: appt.Status, To: model.StatusConfirmed, MarkPaid: true}, nil
	default:
		return Change{From: appt.Status, To: appt.Status, MarkPaid: true}, nil
	}
}
