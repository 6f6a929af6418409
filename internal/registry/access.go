package registry

import "fmt"

// RequireAdmin fails with ErrUnauthorized unless caller is the admin.
func (s *State) RequireAdmin(caller Identity) error {
	if caller != s.admin {
		return fmt.Errorf("%w: admin only", ErrUnauthorized)
	}
	return nil
}

// RequireValidator fails with ErrUnauthorized unless caller is the validator.
// An unset validator never matches, not even the zero identity.
func (s *State) RequireValidator(caller Identity) error {
	if s.validator.IsZero() || caller != s.validator {
		return fmt.Errorf("%w: validator only", ErrUnauthorized)
	}
	return nil
}

// SetValidator overwrites the validator role. The zero identity is accepted
// and clears the role.
func (s *State) SetValidator(call Call, addr Identity) error {
	if err := s.RequireAdmin(call.Caller); err != nil {
		return err
	}
	s.validator = addr
	return nil
}

// TransferAdmin hands the admin role to newAdmin.
func (s *State) TransferAdmin(call Call, newAdmin Identity) error {
	if err := s.RequireAdmin(call.Caller); err != nil {
		return err
	}
	if newAdmin.IsZero() {
		return fmt.Errorf("%w: zero address", ErrInvalidArgument)
	}
	s.admin = newAdmin
	return nil
}
