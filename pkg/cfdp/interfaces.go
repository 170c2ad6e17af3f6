package cfdp

import (
	"avaneesh/cfdp-go/pkg/entity"
	"avaneesh/cfdp-go/pkg/pdu"
)

// Re-exported so applications need only this package for the common API
type (
	PutRequest        = entity.PutRequest
	Indication        = entity.Indication
	IndicationKind    = entity.IndicationKind
	IndicationHandler = entity.IndicationHandler
	IndicationFunc    = entity.IndicationFunc
	Status            = entity.Status
	EntityID          = pdu.EntityID
	TransactionID     = pdu.TransactionID
)
