package config

import "testing"

func TestActivation_ActiveAt_GenesisFork(t *testing.T) {
	a := Activation{Fork: ForkCTOR}
	if !a.ActiveAt(0, 0) {
		t.Error("unscheduled fork should be active from genesis")
	}
}

func TestActivation_ActiveAt_HeightPreferred(t *testing.T) {
	a := Activation{Fork: ForkAsert, Height: 100, MTP: 1}
	if a.ActiveAt(99, 999_999_999) {
		t.Error("height-scheduled fork must ignore MTP before its height")
	}
	if !a.ActiveAt(100, 0) {
		t.Error("fork at height 100 should be active at height 100")
	}
}

func TestActivation_ActiveAt_MTP(t *testing.T) {
	a := Activation{Fork: ForkStrictEncoding, MTP: 1000}
	if a.ActiveAt(500, 999) {
		t.Error("fork should not be active below its MTP")
	}
	if !a.ActiveAt(500, 1000) {
		t.Error("fork should be active at its MTP")
	}
}

func TestNetworkParams_ActiveForks_Accumulates(t *testing.T) {
	p := MainnetParams()
	forks := p.ActiveForks(20000, 1_800_000_000, 0)
	for _, want := range []Fork{ForkCTOR, ForkAsert, ForkSigchecks, ForkABLA} {
		if forks&want == 0 {
			t.Errorf("fork %s should be active at height 20000", want)
		}
	}
}

func TestNetworkParams_ActiveForks_EnabledEarly(t *testing.T) {
	p := MainnetParams()
	forks := p.ActiveForks(1, 0, ForkCTOR)
	if forks&ForkCTOR == 0 {
		t.Error("enabled fork should be active regardless of schedule")
	}
}

func TestParamsFor_AllNetworks(t *testing.T) {
	for _, network := range []NetworkType{Mainnet, Testnet, Testnet4, Scalenet, Chipnet} {
		p := ParamsFor(network)
		if p.Name != network {
			t.Errorf("ParamsFor(%s) returned params for %s", network, p.Name)
		}
		if p.TargetSpacing == 0 || p.RetargetInterval == 0 {
			t.Errorf("%s: retarget parameters must be positive", network)
		}
	}
}

func TestValidate_Defaults(t *testing.T) {
	for _, network := range []NetworkType{Mainnet, Testnet, Testnet4, Scalenet, Chipnet} {
		if err := Validate(Default(network)); err != nil {
			t.Errorf("default %s config should validate: %v", network, err)
		}
	}
}

func TestValidate_RejectsUndefinedForkBits(t *testing.T) {
	cfg := DefaultMainnet()
	cfg.EnabledForks = Fork(1 << 30)
	if err := Validate(cfg); err == nil {
		t.Error("undefined fork bits should be rejected")
	}
}
