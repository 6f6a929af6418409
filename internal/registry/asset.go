package registry

import "fmt"

// EnsureToken requests creation of the credit asset the first time it is
// called. Once the asset exists it returns the handle and no effects.
// When an effect is returned the host must call BindAsset with the id the
// ledger assigned, inside the same atomic step.
func (s *State) EnsureToken(call Call) (AssetID, []Effect, error) {
	if err := s.RequireAdmin(call.Caller); err != nil {
		return 0, nil, err
	}
	if s.HasAsset() {
		return s.asset, nil, nil
	}
	params := s.assetParams()
	return 0, []Effect{{
		Kind:   EffectCreateAsset,
		From:   s.self,
		Amount: params.Total,
		Params: &params,
	}}, nil
}

// BindAsset records the ledger-assigned asset handle. It can happen once.
func (s *State) BindAsset(id AssetID) error {
	if id == 0 {
		return fmt.Errorf("%w: zero asset id", ErrInvalidArgument)
	}
	if s.HasAsset() {
		return fmt.Errorf("%w: asset already bound to %d", ErrInvalidState, s.asset)
	}
	s.asset = id
	return nil
}

func (s *State) assetParams() AssetParams {
	return AssetParams{
		Total:    s.cfg.TokenSupply,
		Decimals: s.cfg.TokenDecimals,
		UnitName: s.cfg.TokenUnitName,
		Name:     s.cfg.TokenName,
		URL:      s.cfg.TokenURL,
		Manager:  s.self,
		Reserve:  s.self,
		Freeze:   s.self,
		Clawback: s.self,
	}
}

func (s *State) requireAsset() error {
	if !s.HasAsset() {
		return fmt.Errorf("%w: no credit asset created", ErrPreconditionFailed)
	}
	return nil
}
