package config

// Embedded configuration per device ID (the value placed in ctx under
// CtxDeviceKey). Each top-level key becomes a retained config/<key> message.

const cfgBMS4sNMC = `{
  "bms": {
    "chemistry": "nmc",
    "cells": 4,
    "capacity_ah": 10,
    "shunt_mohm": 1,
    "board_max_a": 20,
    "tick_ms": 250,
    "protection": {
      "cell_ov": {"immediate": true}
    },
    "balancing": {"max_active": 2}
  },
  "console": {
    "prompt": "bms> "
  }
}`

const cfgBMS8sLFP = `{
  "bms": {
    "chemistry": "lfp",
    "cells": 8,
    "capacity_ah": 100,
    "shunt_mohm": 0.5,
    "board_max_a": 60,
    "tick_ms": 250,
    "estimator": {"quiescent_ms": 1800000, "ocv_blend": 0.1},
    "protection": {
      "ot": {"warn": 45, "fault": 55},
      "dis_oc": {"fault_ms": 1000}
    },
    "balancing": {"threshold_v": 0.02, "hysteresis_v": 0.01, "max_active": 4}
  },
  "console": {
    "prompt": "lfp> "
  }
}`

var embeddedConfigs = map[string][]byte{
	"bms-4s-nmc": []byte(cfgBMS4sNMC),
	"bms-8s-lfp": []byte(cfgBMS8sLFP),
}
