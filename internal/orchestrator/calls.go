package orchestrator

import (
	"github.com/aircon-ledger/aircon-remote/internal/models"
	"github.com/aircon-ledger/aircon-remote/internal/projection"
)

// checkPreconditions rejects kinds that make no sense in state s
func checkPreconditions(kind models.RequestKind, s models.DeviceState, r models.TemperatureRange) error {
	switch kind {
	case models.KindPowerOn:
		if s.Power {
			return invalidState("the unit is already on")
		}
		return nil
	case models.KindPowerOff:
		if !s.Power {
			return invalidState("the unit is already off")
		}
		return nil
	}

	if !s.Power {
		return invalidState("turn the unit on first")
	}

	switch kind {
	case models.KindTempUp:
		if s.Temperature+r.Step > r.Max {
			return invalidState("temperature is already at the maximum (%d)", r.Max)
		}
	case models.KindTempDown:
		if s.Temperature-r.Step < r.Min {
			return invalidState("temperature is already at the minimum (%d)", r.Min)
		}
	}
	return nil
}

// plan is the ledger call for a request together with the state change it
// makes once accepted
type plan struct {
	call   models.WriteCall
	mutate projection.Mutation
}

// planFor builds the call for kind from state s. Mode and fan targets are
// absolute so they are fixed at planning time; temperature moves relative
// to whatever the base holds when the mutation is applied.
func planFor(kind models.RequestKind, s models.DeviceState, r models.TemperatureRange, annotation string) plan {
	if annotation == "" {
		annotation = kind.DefaultAnnotation()
	}
	call := models.WriteCall{Annotation: annotation}

	var mutate projection.Mutation
	switch kind {
	case models.KindPowerOn:
		call.Method, call.Value = models.MethodChangeStatus, 1
		mutate = func(s *models.DeviceState) { s.Power = true }

	case models.KindPowerOff:
		call.Method, call.Value = models.MethodChangeStatus, 0
		mutate = func(s *models.DeviceState) { s.Power = false }

	case models.KindTempUp:
		call.Method, call.Value = models.MethodChangeTemp, models.TempDirectionUp
		mutate = func(s *models.DeviceState) {
			s.Temperature = min(s.Temperature+r.Step, r.Max)
		}

	case models.KindTempDown:
		call.Method, call.Value = models.MethodChangeTemp, models.TempDirectionDown
		mutate = func(s *models.DeviceState) {
			s.Temperature = max(s.Temperature-r.Step, r.Min)
		}

	case models.KindModeToggle:
		target := s.Mode.Toggle()
		call.Method, call.Value = models.MethodChangeMode, target.Index()
		mutate = func(s *models.DeviceState) { s.Mode = target }

	case models.KindFanCycle:
		target := s.FanLevel.Next()
		call.Method, call.Value = models.MethodChangePower, target.Index()
		mutate = func(s *models.DeviceState) { s.FanLevel = target }
	}

	return plan{call: call, mutate: mutate}
}
