package registry

import (
	"fmt"
	"math/bits"
)

// SubmitProject appends a pending project for any caller and returns its slot.
func (s *State) SubmitProject(call Call, name, location, ecosystem, cid string) (uint64, error) {
	if len(s.projects) >= s.cfg.ProjectCapacity {
		return 0, fmt.Errorf("%w: max projects reached (%d)", ErrCapacityExceeded, s.cfg.ProjectCapacity)
	}
	idx := uint64(len(s.projects))
	s.projects = append(s.projects, Project{
		Submitter: call.Caller,
		Name:      name,
		Location:  location,
		Ecosystem: ecosystem,
		CID:       cid,
		Status:    StatusPending,
	})
	return idx, nil
}

// ApproveProject moves a pending project to verified with the validator's credit amount.
func (s *State) ApproveProject(call Call, id, credits uint64) error {
	if err := s.RequireValidator(call.Caller); err != nil {
		return err
	}
	p, err := s.project(id)
	if err != nil {
		return err
	}
	if credits == 0 {
		return fmt.Errorf("%w: credits must be > 0", ErrInvalidArgument)
	}
	if p.Status != StatusPending {
		return fmt.Errorf("%w: project %d is %s, not pending", ErrInvalidState, id, p.Status)
	}
	p.Status = StatusVerified
	p.Credits = credits
	return nil
}

// RejectProject moves a pending project to rejected.
func (s *State) RejectProject(call Call, id uint64) error {
	if err := s.RequireValidator(call.Caller); err != nil {
		return err
	}
	p, err := s.project(id)
	if err != nil {
		return err
	}
	if p.Status != StatusPending {
		return fmt.Errorf("%w: project %d is %s, not pending", ErrInvalidState, id, p.Status)
	}
	p.Status = StatusRejected
	return nil
}

// IssueCredits transfers the approved credits to the submitter and marks the
// project issued. The verified->issued guard is the only double-issuance
// defense, so the transfer effect and the status flip must commit together.
func (s *State) IssueCredits(call Call, id uint64) (uint64, []Effect, error) {
	if err := s.RequireValidator(call.Caller); err != nil {
		return 0, nil, err
	}
	if err := s.requireAsset(); err != nil {
		return 0, nil, err
	}
	p, err := s.project(id)
	if err != nil {
		return 0, nil, err
	}
	if p.Status != StatusVerified {
		return 0, nil, fmt.Errorf("%w: project %d is %s, not verified", ErrInvalidState, id, p.Status)
	}
	total, carry := bits.Add64(s.totalCreditsIssued, p.Credits, 0)
	if carry != 0 {
		return 0, nil, fmt.Errorf("%w: total credits issued", ErrOverflow)
	}

	p.Status = StatusIssued
	s.totalCreditsIssued = total
	return p.Credits, []Effect{{
		Kind:   EffectAssetTransfer,
		From:   s.self,
		To:     p.Submitter,
		Asset:  s.asset,
		Amount: p.Credits,
	}}, nil
}

func (s *State) project(id uint64) (*Project, error) {
	if id >= uint64(len(s.projects)) {
		return nil, fmt.Errorf("%w: invalid project id %d", ErrNotFound, id)
	}
	return &s.projects[id], nil
}
