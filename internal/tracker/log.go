package tracker

import "go.uber.org/zap"

func zapPipeline(id string) zap.Field  { return zap.String("pipeline", id) }
func zapExecution(id string) zap.Field { return zap.String("execution", id) }
