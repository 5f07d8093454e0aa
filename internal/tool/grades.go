package tool

import "context"

// 演示用成绩单，正式接入教务系统前的占位数据
const gradeReport = `线性代数：90
高等数学：85
大学英语：88
体育：92
思想政治理论：89
军事训练：91
军事理论：88`

// GradeTool 学生成绩查询工具
type GradeTool struct{}

// NewGradeTool 创建成绩查询工具
func NewGradeTool() *GradeTool {
	return &GradeTool{}
}

func (t *GradeTool) Name() string {
	return "grade_query"
}

func (t *GradeTool) Description() string {
	return "查询学生的成绩信息"
}

func (t *GradeTool) Parameters() interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

// Execute 返回成绩单
func (t *GradeTool) Execute(ctx context.Context, arguments string) (string, error) {
	return gradeReport, nil
}
